package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu           sync.Mutex
	regs         []Registration
	registered   []WorkerScript
	unregistered []Registration
	registerErr  error
	listErr      error

	controlled bool
	controller chan struct{}

	// enterReconcile lets a test hold Registrations open so a second
	// Reconcile call overlaps the first.
	enterReconcile chan struct{}
	release        chan struct{}
}

func newFakeRuntime(regs ...Registration) *fakeRuntime {
	return &fakeRuntime{regs: regs, controller: make(chan struct{})}
}

func (f *fakeRuntime) Registrations(_ context.Context) ([]Registration, error) {
	if f.enterReconcile != nil {
		f.enterReconcile <- struct{}{}
		<-f.release
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Registration(nil), f.regs...), nil
}

func (f *fakeRuntime) Register(_ context.Context, script WorkerScript) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, script)
	return nil
}

func (f *fakeRuntime) Unregister(_ context.Context, reg Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, reg)
	return nil
}

func (f *fakeRuntime) HasController(_ context.Context) (bool, error) {
	return f.controlled, nil
}

func (f *fakeRuntime) ControllerChange() <-chan struct{} {
	return f.controller
}

var officialWorkers = []WorkerScript{
	{URL: "/push-worker.js", Scope: "/"},
}

func TestReconcilePurgesForeignAndRegistersMissing(t *testing.T) {
	runtime := newFakeRuntime(
		Registration{ScriptURL: "https://app.example/legacy-sw.js", Scope: "/"},
		Registration{ScriptURL: "https://evil.example/worker.js", Scope: "/"},
	)
	r := NewReconciler(runtime, officialWorkers)

	report := r.Reconcile(context.Background())

	assert.False(t, report.Skipped)
	assert.Empty(t, report.Kept)
	assert.ElementsMatch(t,
		[]string{"https://app.example/legacy-sw.js", "https://evil.example/worker.js"},
		report.Purged)
	assert.Equal(t, []string{"/push-worker.js"}, report.Registered)
	assert.Len(t, runtime.unregistered, 2)
}

func TestReconcileKeepsOfficialWorker(t *testing.T) {
	// The platform reports origin-qualified URLs; the configured script
	// is a path. Suffix matching must treat them as the same worker.
	runtime := newFakeRuntime(
		Registration{ScriptURL: "https://app.example/push-worker.js", Scope: "/"},
	)
	r := NewReconciler(runtime, officialWorkers)

	report := r.Reconcile(context.Background())

	assert.Equal(t, []string{"https://app.example/push-worker.js"}, report.Kept)
	assert.Empty(t, report.Purged)
	assert.Empty(t, report.Registered)
	assert.Empty(t, runtime.unregistered)
}

func TestReconcileRecordsErrorsAndContinues(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.registerErr = errors.New("quota exceeded")
	r := NewReconciler(runtime, officialWorkers)

	report := r.Reconcile(context.Background())

	assert.False(t, report.Skipped)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "quota exceeded")
	assert.Empty(t, report.Registered)
}

func TestReconcileCollapsesConcurrentPasses(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.enterReconcile = make(chan struct{})
	runtime.release = make(chan struct{})
	r := NewReconciler(runtime, officialWorkers)

	done := make(chan ReconcileReport)
	go func() {
		done <- r.Reconcile(context.Background())
	}()

	// Wait until the first pass is inside the runtime, then overlap it.
	<-runtime.enterReconcile
	second := r.Reconcile(context.Background())
	assert.True(t, second.Skipped)

	close(runtime.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, []string{"/push-worker.js"}, first.Registered)
}

func TestAwaitController(t *testing.T) {
	t.Run("already controlled", func(t *testing.T) {
		runtime := newFakeRuntime()
		runtime.controlled = true
		r := NewReconciler(runtime, officialWorkers)

		assert.True(t, r.AwaitController(context.Background(), time.Second))
	})

	t.Run("controller arrives", func(t *testing.T) {
		runtime := newFakeRuntime()
		r := NewReconciler(runtime, officialWorkers)

		go func() { runtime.controller <- struct{}{} }()
		assert.True(t, r.AwaitController(context.Background(), time.Second))
	})

	t.Run("timeout is not an error", func(t *testing.T) {
		runtime := newFakeRuntime()
		r := NewReconciler(runtime, officialWorkers)

		assert.False(t, r.AwaitController(context.Background(), 10*time.Millisecond))
	})
}
