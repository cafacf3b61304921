package anqueue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Executor is user-supplied code keyed by Type that performs a task's
// actual work. Implementations are expected to be stateless and shared
// read-only across the controller and every worker.
type Executor interface {
	Type() string
	Exec(ctx context.Context, t *Task) (TaskResult, error)
	RetrySchema() []string
	ValidationSchema() []Predicate
}

// OnCompleter, OnFailer and ResultSaver are the optional hooks spec.md
// §3 calls out on Executor. They're modeled as separate interfaces,
// probed with a type assertion at the call site, rather than methods on
// Executor with no-op defaults, so an executor only pays for the hooks it
// implements.
type OnCompleter interface {
	OnComplete(t *Task, result TaskResult, db Adapter)
}

type OnFailer interface {
	OnFailure(t *Task, result TaskResult, err error, db Adapter)
}

type ResultSaver interface {
	SaveResult(t *Task, result TaskResult, db Adapter)
}

// BaseExecutor supplies the zero-value RetrySchema/ValidationSchema an
// Executor gets by embedding it. A module whose discovered value IS a
// BaseExecutor (not a named type embedding it) fails registration — the
// registry requires a subtype, not the base itself.
type BaseExecutor struct {
	ExecutorType string
}

func (b BaseExecutor) Type() string                { return b.ExecutorType }
func (b BaseExecutor) RetrySchema() []string        { return nil }
func (b BaseExecutor) ValidationSchema() []Predicate { return nil }
func (b BaseExecutor) Exec(ctx context.Context, t *Task) (TaskResult, error) {
	return TaskResult{}, fmt.Errorf("executor %q: Exec not implemented", b.ExecutorType)
}

var baseExecutorType = reflect.TypeOf(BaseExecutor{})

// Factory constructs a fresh Executor instance. Discovered plugin modules
// export a symbol named New of this type.
type Factory func() Executor

// pluginLoader abstracts how a module at path becomes a Factory. The real
// implementation shells out to the stdlib plugin package; tests supply an
// in-memory fake so registry logic — discovery, validation, sanitization —
// is exercised without building real .so files.
type pluginLoader interface {
	Load(path string) (Factory, error)
}

// goPluginLoader loads a compiled Go plugin (-buildmode=plugin) and looks
// up its exported New symbol. This is the standard library's only
// mechanism for loading code the queue wasn't statically linked against,
// making it the Go-native analogue of "an executor module discovered from
// a directory at runtime."
type goPluginLoader struct{}

func (goPluginLoader) Load(path string) (Factory, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing New symbol: %w", path, err)
	}
	factory, ok := sym.(func() Executor)
	if !ok {
		return nil, fmt.Errorf("plugin %s: New has wrong signature, want func() anqueue.Executor", path)
	}
	return Factory(factory), nil
}

// registeredExecutor pairs an Executor with its raw and sanitized
// validation schemas — raw is preserved via a separate accessor per §4.2.
type registeredExecutor struct {
	Executor
	raw       []Predicate
	sanitized []Predicate
}

// RawValidationSchema returns the validation predicates exactly as the
// executor module declared them, before sanitization.
func (r *registeredExecutor) RawValidationSchema() []Predicate {
	return r.raw
}

// ValidationSchema overrides the embedded Executor's to return the
// sanitized list, per §4.2 ("Replace the executor's validationSchema with
// the sanitized list").
func (r *registeredExecutor) ValidationSchema() []Predicate {
	return r.sanitized
}

// OnComplete, OnFailure and SaveResult forward to the wrapped executor's
// hook when it implements one; the embedded interface alone would hide them.
func (r *registeredExecutor) OnComplete(t *Task, result TaskResult, db Adapter) {
	if h, ok := r.Executor.(OnCompleter); ok {
		h.OnComplete(t, result, db)
	}
}

func (r *registeredExecutor) OnFailure(t *Task, result TaskResult, err error, db Adapter) {
	if h, ok := r.Executor.(OnFailer); ok {
		h.OnFailure(t, result, err, db)
	}
}

func (r *registeredExecutor) SaveResult(t *Task, result TaskResult, db Adapter) {
	if h, ok := r.Executor.(ResultSaver); ok {
		h.SaveResult(t, result, db)
	}
}

// ExecutorRegistry discovers, validates and indexes one Executor per type.
// The same type backs both the controller's and a worker's registry; the
// controller flag only controls whether removals/warnings are logged,
// keeping worker stdout quiet per §4.2 Idempotency.
type ExecutorRegistry struct {
	mu          sync.RWMutex
	dir         string
	controller  bool
	loader      pluginLoader
	executors   map[string]*registeredExecutor
	initialized bool
	logger      *slog.Logger
}

// NewExecutorRegistry builds a registry over dir. Pass nil for loader to
// use the real Go-plugin loader; tests substitute a fake.
func NewExecutorRegistry(dir string, controller bool, loader pluginLoader) *ExecutorRegistry {
	if loader == nil {
		loader = goPluginLoader{}
	}
	return &ExecutorRegistry{
		dir:        dir,
		controller: controller,
		loader:     loader,
		executors:  make(map[string]*registeredExecutor),
		logger:     slog.Default(),
	}
}

// Initialize scans the task directory and registers one executor per
// discovered module. It is a no-op on a second call.
func (r *ExecutorRegistry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read task directory %s: %w", r.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isExecutorModule(name) {
			continue
		}
		execType := strings.TrimSuffix(name, filepath.Ext(name))
		path := filepath.Join(r.dir, name)
		if err := r.loadOne(execType, path); err != nil {
			if r.controller {
				r.logger.Warn("skipping executor module", "type", execType, "path", path, "error", err)
			}
			continue
		}
	}

	r.initialized = true
	if r.controller {
		r.logger.Info("executor registry initialized", "dir", r.dir, "count", len(r.executors))
	}
	return nil
}

// isExecutorModule applies §4.2's / §6's discovery filter: exclude hidden
// files, test files, and anything with a .copy segment.
func isExecutorModule(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, ".copy") {
		return false
	}
	if strings.Contains(name, ".test.") || strings.HasSuffix(name, "_test.go") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".so"
}

func (r *ExecutorRegistry) loadOne(execType, path string) error {
	factory, err := r.loader.Load(path)
	if err != nil {
		return err
	}
	inst := factory()
	if inst == nil {
		return fmt.Errorf("executor %q: New returned nil", execType)
	}
	if reflect.TypeOf(inst) == baseExecutorType {
		return fmt.Errorf("executor %q: module exports the base Executor itself, not a subtype", execType)
	}

	raw := inst.ValidationSchema()
	sanitized, removed := sanitizeValidationSchema(raw)
	if r.controller && removed > 0 {
		r.logger.Warn("dropped invalid validation predicates", "type", execType, "removed", removed)
		if len(sanitized) == 0 && len(raw) > 0 {
			r.logger.Warn("validation schema empty after sanitization", "type", execType)
		}
	}

	r.executors[execType] = &registeredExecutor{
		Executor:  inst,
		raw:       raw,
		sanitized: sanitized,
	}
	return nil
}

// sanitizeValidationSchema drops nil predicates and any predicate that
// panics against a synthetic dummy task, returning the survivors and a
// count of removed entries.
func sanitizeValidationSchema(predicates []Predicate) ([]Predicate, int) {
	dummy := NewTask("__dummy__", "__dummy__")
	sanitized := make([]Predicate, 0, len(predicates))
	removed := 0
	for _, p := range predicates {
		if p == nil {
			removed++
			continue
		}
		if !callableReturnsBool(p, dummy) {
			removed++
			continue
		}
		sanitized = append(sanitized, p)
	}
	return sanitized, removed
}

func callableReturnsBool(p Predicate, dummy *Task) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	p(dummy)
	return true
}

// Get returns the executor registered for typ, if any.
func (r *ExecutorRegistry) Get(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// Types returns the registered executor types in sorted order.
func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// register directly installs an executor, bypassing plugin discovery.
// Used by in-process built-in executors and tests.
func (r *ExecutorRegistry) register(inst Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw := inst.ValidationSchema()
	sanitized, _ := sanitizeValidationSchema(raw)
	r.executors[inst.Type()] = &registeredExecutor{Executor: inst, raw: raw, sanitized: sanitized}
}
