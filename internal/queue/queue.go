package queue

import (
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"pushrelay/internal/config"
)

var (
	client    *asynq.Client
	inspector *asynq.Inspector
)

// InitQueue initializes the Redis connection for Asynq
func InitQueue(cfg *config.Config) error {
	redisOpt := asynq.RedisClientOpt{
		Addr: cfg.RedisAddr,
	}

	client = asynq.NewClient(redisOpt)
	inspector = asynq.NewInspector(redisOpt)

	// Test connection
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %v", err)
	}

	// Recreate client after test
	client = asynq.NewClient(redisOpt)

	slog.Info("Successfully initialized task queue")
	return nil
}

// GetTaskStatus returns the current status of a task
func GetTaskStatus(queueName, taskID string) (*asynq.TaskInfo, error) {
	if inspector == nil {
		return nil, fmt.Errorf("task queue is not initialized")
	}
	info, err := inspector.GetTaskInfo(queueName, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task info: %v", err)
	}
	return info, nil
}

// Close closes the Redis connection
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}
