package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushrelay/internal/config"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/queue"
	"pushrelay/internal/registry"
)

const sweepInterval = 24 * time.Hour

type Worker struct {
	server       *asynq.Server
	engine       *dispatch.Engine
	registry     *registry.Service
	staleHorizon time.Duration
}

func NewWorker(cfg *config.Config, engine *dispatch.Engine, reg *registry.Service) *Worker {
	redisOpt := asynq.RedisClientOpt{
		Addr: cfg.RedisAddr,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				queue.QueueDispatchRetry: 10,
				queue.QueueStaleSweep:    1,
			},
		},
	)

	return &Worker{
		server:       server,
		engine:       engine,
		registry:     reg,
		staleHorizon: cfg.StaleHorizon,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()

	mux.HandleFunc(queue.QueueDispatchRetry, w.handleDispatchRetry)
	mux.HandleFunc(queue.QueueStaleSweep, w.handleStaleSweep)

	slog.Info("Starting worker",
		"queues", []string{queue.QueueDispatchRetry, queue.QueueStaleSweep},
		"concurrency", 10)

	if err := w.server.Start(mux); err != nil {
		return err
	}

	slog.Info("Worker started successfully")

	<-ctx.Done()

	w.server.Stop()
	slog.Info("Worker stopped")
	return nil
}

// handleDispatchRetry replays a narrowed job against the endpoints that
// failed transiently. Endpoints deactivated in the meantime drop out
// when the engine resolves them; a still-transient outcome schedules the
// next attempt from inside the engine, bounded by its attempt budget.
func (w *Worker) handleDispatchRetry(ctx context.Context, t *asynq.Task) error {
	var payload queue.DispatchRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v", err)
	}

	result, err := w.engine.DispatchToEndpoints(ctx, &payload.Job, payload.Endpoints)
	if err != nil {
		slog.Error("Dispatch retry failed", "error", err, "tag", payload.Job.Tag)
		return err
	}

	slog.Info("Dispatch retry completed",
		"tag", payload.Job.Tag,
		"attempt", payload.Job.Attempt,
		"total", result.Total,
		"sent", result.Sent,
		"failed", result.Failed)

	return nil
}

func (w *Worker) handleStaleSweep(ctx context.Context, t *asynq.Task) error {
	swept, err := w.registry.SweepStale(ctx, w.staleHorizon)
	if err != nil {
		return fmt.Errorf("stale sweep failed: %v", err)
	}

	if swept > 0 {
		slog.Info("Swept stale subscriptions", "count", swept)
	}

	if err := queue.ScheduleStaleSweep(sweepInterval); err != nil {
		slog.Error("Failed to schedule next stale sweep", "error", err)
	}

	return nil
}
