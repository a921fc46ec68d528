// Package client manages the device side of push: keeping the official
// background workers registered and negotiating a subscription with the
// registry. The platform's worker and push APIs are injected through
// interfaces so the lifecycle logic stays testable off-device.
package client

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// WorkerScript is one official worker the platform should be running.
type WorkerScript struct {
	URL   string
	Scope string
}

// Registration is a worker currently registered with the platform.
type Registration struct {
	ScriptURL string
	Scope     string
}

// Runtime abstracts the platform's service-worker container.
type Runtime interface {
	Registrations(ctx context.Context) ([]Registration, error)
	Register(ctx context.Context, script WorkerScript) error
	Unregister(ctx context.Context, reg Registration) error

	// HasController reports whether a worker currently controls the
	// page.
	HasController(ctx context.Context) (bool, error)

	// ControllerChange signals when a worker takes control.
	ControllerChange() <-chan struct{}
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Kept       []string
	Purged     []string
	Registered []string
	Errors     []string

	// Skipped is set when another reconciliation was already running;
	// the pass did nothing.
	Skipped bool
}

// Reconciler drives the registered worker set toward exactly the
// official set: foreign and legacy workers are removed, missing official
// workers are registered.
type Reconciler struct {
	runtime  Runtime
	official []WorkerScript
	inFlight atomic.Bool
}

func NewReconciler(runtime Runtime, official []WorkerScript) *Reconciler {
	return &Reconciler{runtime: runtime, official: official}
}

// Reconcile runs one pass. It never fails as a whole: individual
// register/unregister errors are recorded and skipped, since a missing
// worker only degrades push rather than corrupting anything. Concurrent
// calls collapse to one pass via the in-flight guard, so running it on
// every page load is safe.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileReport {
	if !r.inFlight.CompareAndSwap(false, true) {
		return ReconcileReport{Skipped: true}
	}
	defer r.inFlight.Store(false)

	var report ReconcileReport

	regs, err := r.runtime.Registrations(ctx)
	if err != nil {
		slog.Warn("Failed to enumerate worker registrations", "error", err)
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	present := make(map[string]bool)
	for _, reg := range regs {
		if script, ok := r.matchOfficial(reg.ScriptURL); ok {
			present[script.URL] = true
			report.Kept = append(report.Kept, reg.ScriptURL)
			continue
		}

		if err := r.runtime.Unregister(ctx, reg); err != nil {
			slog.Warn("Failed to unregister foreign worker", "script", reg.ScriptURL, "error", err)
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Purged = append(report.Purged, reg.ScriptURL)
	}

	for _, script := range r.official {
		if present[script.URL] {
			continue
		}
		if err := r.runtime.Register(ctx, script); err != nil {
			slog.Warn("Failed to register official worker", "script", script.URL, "error", err)
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Registered = append(report.Registered, script.URL)
	}

	return report
}

// matchOfficial tolerates origin-qualified registration URLs: the
// platform reports absolute URLs while official scripts are configured
// as paths.
func (r *Reconciler) matchOfficial(scriptURL string) (WorkerScript, bool) {
	for _, script := range r.official {
		if scriptURL == script.URL || strings.HasSuffix(scriptURL, script.URL) {
			return script, true
		}
	}
	return WorkerScript{}, false
}

// AwaitController waits until a worker controls the page, up to timeout.
// A timeout is not an error: callers proceed regardless, push just stays
// degraded until the next page load.
func (r *Reconciler) AwaitController(ctx context.Context, timeout time.Duration) bool {
	controlled, err := r.runtime.HasController(ctx)
	if err != nil {
		slog.Warn("Failed to check worker controller", "error", err)
		return false
	}
	if controlled {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.runtime.ControllerChange():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
