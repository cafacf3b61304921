package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAfterFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 4, 0.5, 50*time.Millisecond, 1)

	assert.True(t, cb.Allow())
	cb.RecordResult(true)
	assert.True(t, cb.Allow())
	cb.RecordResult(true)
	assert.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.True(t, cb.Allow())
	cb.RecordResult(false)

	assert.False(t, cb.Allow(), "breaker should trip once failure rate reaches threshold")
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 2, 1, 0.5, 10*time.Millisecond, 1)
	assert.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow(), "should allow a probe after cooldown")
}

func TestCircuitBreakerResetsAfterSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 2, 1, 0.5, 10*time.Millisecond, 1)
	assert.True(t, cb.Allow())
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, cb.Allow())
	cb.RecordResult(true)
	assert.True(t, cb.Allow(), "closed breaker keeps allowing calls")
}
