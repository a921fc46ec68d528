package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pushrelay/internal/db"
	"pushrelay/internal/registry"
)

const (
	// Sample errors returned in an aggregate result are capped so a
	// broadcast to a large audience cannot produce an unbounded
	// response payload.
	maxSampleErrors = 5

	// Bounded attempts for the retry chain, counting the original send.
	maxAttempts = 4
)

// Registry is the slice of the subscription registry the engine needs.
type Registry interface {
	ListActiveFor(ctx context.Context, userIDs []string) ([]db.Subscription, error)
	ListActiveAfter(ctx context.Context, afterCreated time.Time, afterID string) ([]db.Subscription, error)
	ListActiveByEndpoints(ctx context.Context, endpoints []string) ([]db.Subscription, error)
	Deactivate(ctx context.Context, endpoint string) error
	TouchLastUsed(ctx context.Context, endpoint string) error
}

// DeliveryLog records one entry per attempted recipient.
type DeliveryLog interface {
	Create(ctx context.Context, recipientRef, channel, messageTag string) (string, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, code, reason string, retryable bool) error
}

// RetryScheduler resubmits transiently failed endpoints later. The
// engine never loop-retries synchronously; latency stays bounded.
type RetryScheduler interface {
	ScheduleRetry(job *Job, endpoints []string) error
}

// Result is the aggregate outcome of one dispatch.
type Result struct {
	Total  int      `json:"total"`
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Engine fans a job out to its recipients' subscriptions with bounded
// concurrency, one independent send per subscription.
type Engine struct {
	registry    Registry
	logs        DeliveryLog
	transports  map[registry.Provider]Transport
	limiters    map[registry.Provider]*rate.Limiter
	retry       RetryScheduler
	concurrency int
	sendTimeout time.Duration
}

func NewEngine(reg Registry, logs DeliveryLog, concurrency int, sendTimeout time.Duration) *Engine {
	if concurrency <= 0 {
		concurrency = 25
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Engine{
		registry:    reg,
		logs:        logs,
		transports:  make(map[registry.Provider]Transport),
		limiters:    make(map[registry.Provider]*rate.Limiter),
		concurrency: concurrency,
		sendTimeout: sendTimeout,
	}
}

// RegisterTransport wires a provider to its transport with a per-second
// send cap respecting that provider's rate limits.
func (e *Engine) RegisterTransport(p registry.Provider, t Transport, perSecond float64) {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	e.transports[p] = t
	e.limiters[p] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (e *Engine) SetRetryScheduler(r RetryScheduler) {
	e.retry = r
}

// Dispatch resolves recipients, sends, and records outcomes. Payload
// validation happens before anything touches the network or the store.
// Individual send failures never fail the dispatch as a whole.
func (e *Engine) Dispatch(ctx context.Context, job *Job, rcpt Recipients) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	result := &Result{}
	var retryable []string

	if rcpt.Broadcast {
		// Large audiences stream page by page so memory and query
		// plans stay bounded. The keyset cursor survives concurrent
		// deactivations: every subscription active when its page is
		// read gets exactly one attempt.
		var afterCreated time.Time
		var afterID string
		for {
			subs, err := e.registry.ListActiveAfter(ctx, afterCreated, afterID)
			if err != nil {
				return nil, fmt.Errorf("failed to load broadcast page: %w", err)
			}
			if len(subs) == 0 {
				break
			}
			e.fanOut(ctx, job, subs, result, &retryable)
			last := subs[len(subs)-1]
			afterCreated, afterID = last.CreatedAt, last.ID
			if len(subs) < registry.BroadcastPageSize {
				break
			}
		}
	} else {
		subs, err := e.registry.ListActiveFor(ctx, rcpt.UserIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipients: %w", err)
		}
		e.fanOut(ctx, job, subs, result, &retryable)
	}

	e.scheduleRetry(job, retryable)
	return result, nil
}

// DispatchToEndpoints re-runs a job against specific endpoints. Used by
// the retry worker; endpoints deactivated since the original attempt
// drop out here.
func (e *Engine) DispatchToEndpoints(ctx context.Context, job *Job, endpoints []string) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	subs, err := e.registry.ListActiveByEndpoints(ctx, endpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve retry endpoints: %w", err)
	}

	result := &Result{}
	var retryable []string
	e.fanOut(ctx, job, subs, result, &retryable)
	e.scheduleRetry(job, retryable)
	return result, nil
}

func (e *Engine) fanOut(ctx context.Context, job *Job, subs []db.Subscription, result *Result, retryable *[]string) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := range subs {
		sub := subs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.sendOne(ctx, job, &sub)

			mu.Lock()
			defer mu.Unlock()
			result.Total++
			if outcome.sent {
				result.Sent++
				return
			}
			result.Failed++
			if outcome.retry {
				*retryable = append(*retryable, sub.Endpoint)
			}
			if outcome.sample != "" && len(result.Errors) < maxSampleErrors {
				result.Errors = append(result.Errors, outcome.sample)
			}
		}()
	}

	wg.Wait()
}

type sendOutcome struct {
	sent   bool
	retry  bool
	sample string
}

func (e *Engine) sendOne(ctx context.Context, job *Job, sub *db.Subscription) sendOutcome {
	ref := recipientRef(sub)
	provider := registry.Provider(sub.Provider)

	logID, err := e.logs.Create(ctx, ref, sub.Provider, job.Tag)
	if err != nil {
		slog.Error("Failed to create delivery log entry", "error", err, "recipient", ref)
		return sendOutcome{sample: fmt.Sprintf("%s: log_write_failed", ref)}
	}

	transport, ok := e.transports[provider]
	if !ok {
		e.markFailed(ctx, logID, "no_transport",
			fmt.Sprintf("no transport configured for provider %s", sub.Provider), false)
		return sendOutcome{sample: fmt.Sprintf("%s: no_transport", ref)}
	}

	if limiter := e.limiters[provider]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			e.markFailed(ctx, logID, "canceled", err.Error(), true)
			return sendOutcome{retry: true, sample: fmt.Sprintf("%s: canceled", ref)}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	if err := transport.Send(sendCtx, sub, job); err != nil {
		sendErr := asSendError(err)
		e.markFailed(ctx, logID, sendErr.Code, sendErr.Error(), sendErr.Retryable)

		if sendErr.Gone {
			// Self-healing: the provider told us this endpoint will
			// never deliver again. Deactivation is idempotent, so
			// concurrent workers observing the same stale endpoint
			// are fine.
			if err := e.registry.Deactivate(ctx, sub.Endpoint); err != nil {
				slog.Error("Failed to deactivate gone subscription",
					"error", err, "endpoint_ref", ref)
			} else {
				slog.Info("Deactivated gone subscription",
					"endpoint_ref", ref, "code", sendErr.Code)
			}
		}
		return sendOutcome{retry: sendErr.Retryable, sample: fmt.Sprintf("%s: %s", ref, sendErr.Code)}
	}

	if err := e.logs.MarkSent(ctx, logID); err != nil {
		slog.Error("Failed to mark delivery log entry sent", "error", err, "log_id", logID)
	}
	if err := e.registry.TouchLastUsed(ctx, sub.Endpoint); err != nil {
		slog.Warn("Failed to touch subscription", "error", err, "endpoint_ref", ref)
	}
	return sendOutcome{sent: true}
}

func (e *Engine) markFailed(ctx context.Context, logID, code, reason string, retryable bool) {
	if err := e.logs.MarkFailed(ctx, logID, code, reason, retryable); err != nil {
		slog.Error("Failed to mark delivery log entry failed", "error", err, "log_id", logID)
	}
}

func (e *Engine) scheduleRetry(job *Job, endpoints []string) {
	if e.retry == nil || len(endpoints) == 0 {
		return
	}
	if job.Attempt+1 >= maxAttempts {
		slog.Warn("Retry budget exhausted, dropping transient failures",
			"tag", job.Tag, "endpoints", len(endpoints))
		return
	}

	next := *job
	next.Attempt = job.Attempt + 1
	if err := e.retry.ScheduleRetry(&next, endpoints); err != nil {
		slog.Error("Failed to schedule dispatch retry", "error", err, "tag", job.Tag)
	}
}

// recipientRef identifies a recipient in the delivery log: the owning
// user id when known, otherwise a fingerprint of the endpoint. Raw
// endpoints never land in the log.
func recipientRef(sub *db.Subscription) string {
	if sub.UserID.Valid && sub.UserID.String != "" {
		return sub.UserID.String
	}
	sum := sha256.Sum256([]byte(sub.Endpoint))
	return "ep:" + hex.EncodeToString(sum[:8])
}
