package anqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader substitutes for goPluginLoader in tests, so registry logic —
// discovery, validation, sanitization — is exercised without a real .so.
type fakeLoader struct {
	factories map[string]Factory
	errs      map[string]error
}

func (f *fakeLoader) Load(path string) (Factory, error) {
	name := filepath.Base(path)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	factory, ok := f.factories[name]
	if !ok {
		return nil, fmt.Errorf("fakeLoader: no factory for %s", name)
	}
	return factory, nil
}

type goodExecutor struct {
	BaseExecutor
}

func (e *goodExecutor) Exec(ctx context.Context, t *Task) (TaskResult, error) {
	return TaskResult{Processed: true}, nil
}

func (e *goodExecutor) ValidationSchema() []Predicate {
	return []Predicate{
		func(t *Task) bool { return true },
		nil, // dropped: not callable
	}
}

func writeStubModules(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("stub"), 0644))
	}
}

func TestExecutorRegistryDiscoversAndSanitizes(t *testing.T) {
	dir := t.TempDir()
	writeStubModules(t, dir, "noop.so", ".hidden.so", "thing.test.so", "other.copy.so")

	loader := &fakeLoader{
		factories: map[string]Factory{
			"noop.so": func() Executor { return &goodExecutor{BaseExecutor{ExecutorType: "noop"}} },
		},
	}

	reg := NewExecutorRegistry(dir, true, loader)
	require.NoError(t, reg.Initialize(context.Background()))

	exec, ok := reg.Get("noop")
	require.True(t, ok)
	assert.Len(t, exec.ValidationSchema(), 1, "nil predicate should have been sanitized out")

	rr, ok := exec.(*registeredExecutor)
	require.True(t, ok)
	assert.Len(t, rr.RawValidationSchema(), 2, "raw schema is preserved unsanitized")

	assert.Equal(t, []string{"noop"}, reg.Types())
}

func TestExecutorRegistryInitializeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeStubModules(t, dir, "noop.so")
	calls := 0
	loader := &fakeLoader{factories: map[string]Factory{
		"noop.so": func() Executor {
			calls++
			return &goodExecutor{BaseExecutor{ExecutorType: "noop"}}
		},
	}}

	reg := NewExecutorRegistry(dir, true, loader)
	require.NoError(t, reg.Initialize(context.Background()))
	require.NoError(t, reg.Initialize(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestExecutorRegistryRejectsBaseExecutorItself(t *testing.T) {
	dir := t.TempDir()
	writeStubModules(t, dir, "bare.so")
	loader := &fakeLoader{factories: map[string]Factory{
		"bare.so": func() Executor { return BaseExecutor{ExecutorType: "bare"} },
	}}

	reg := NewExecutorRegistry(dir, true, loader)
	require.NoError(t, reg.Initialize(context.Background()))
	_, ok := reg.Get("bare")
	assert.False(t, ok)
}

func TestExecutorRegistrySkipsLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeStubModules(t, dir, "broken.so")
	loader := &fakeLoader{errs: map[string]error{"broken.so": fmt.Errorf("boom")}}

	reg := NewExecutorRegistry(dir, true, loader)
	require.NoError(t, reg.Initialize(context.Background()))
	_, ok := reg.Get("broken")
	assert.False(t, ok)
}

func TestIsExecutorModuleFilters(t *testing.T) {
	cases := map[string]bool{
		"noop.so":        true,
		".hidden.so":     false,
		"thing.test.so":  false,
		"other.copy.so":  false,
		"readme.md":      false,
		"plain_test.go":  false,
	}
	for name, want := range cases {
		assert.Equal(t, want, isExecutorModule(name), name)
	}
}
