package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushrelay/internal/dispatch"
)

const (
	QueueDispatchRetry = "dispatch_retry"
	QueueStaleSweep    = "subscription_sweep"
)

// DispatchRetryPayload narrows a job to the endpoints that failed
// transiently. Permanently failed endpoints never re-enter the queue;
// they were deactivated at send time.
type DispatchRetryPayload struct {
	Job       dispatch.Job `json:"job"`
	Endpoints []string     `json:"endpoints"`
}

type StaleSweepPayload struct{}

// EnqueueDispatchRetry schedules one retry attempt with a delay growing
// by attempt number. Attempt bounding lives in the dispatch engine, so
// asynq's own retry is disabled here; each attempt is an explicit new
// task.
func EnqueueDispatchRetry(payload DispatchRetryPayload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %v", err)
	}

	task := asynq.NewTask(QueueDispatchRetry, payloadBytes)

	delay := time.Duration(1<<payload.Job.Attempt) * time.Minute

	info, err := client.Enqueue(task,
		asynq.Queue(QueueDispatchRetry),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue dispatch retry: %v", err)
	}

	return info.ID, nil
}

// ScheduleStaleSweep enqueues the next registry hygiene pass. The sweep
// handler reschedules itself on completion; the date-keyed task id keeps
// restarts from stacking up extra sweeps on the same day.
func ScheduleStaleSweep(in time.Duration) error {
	task := asynq.NewTask(QueueStaleSweep, nil)

	_, err := client.Enqueue(task,
		asynq.Queue(QueueStaleSweep),
		asynq.TaskID("subscription-stale-sweep-"+time.Now().Add(in).Format("2006-01-02")),
		asynq.ProcessIn(in),
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue stale sweep: %v", err)
	}
	return nil
}

// RetryEnqueuer adapts the queue to the dispatch engine's scheduler
// interface. The enqueued task id is logged so operators can poll it
// through the retry status endpoint.
type RetryEnqueuer struct{}

func (RetryEnqueuer) ScheduleRetry(job *dispatch.Job, endpoints []string) error {
	taskID, err := EnqueueDispatchRetry(DispatchRetryPayload{Job: *job, Endpoints: endpoints})
	if err != nil {
		return err
	}
	slog.Info("Scheduled dispatch retry",
		"task_id", taskID, "tag", job.Tag, "attempt", job.Attempt, "endpoints", len(endpoints))
	return nil
}
