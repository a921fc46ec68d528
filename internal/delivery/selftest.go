package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pushrelay/internal/db"
	"pushrelay/internal/dispatch"
)

// ErrNoSubscriptions means the caller has nothing registered to test
// against.
var ErrNoSubscriptions = errors.New("no active subscriptions for user")

// SelfTester sends a synthetic notification to the caller's own identity
// through the real dispatch path, so a passing self-test exercises the
// exact code real traffic takes.
type SelfTester struct {
	engine *dispatch.Engine
	logs   *db.DeliveryLogStore
}

func NewSelfTester(engine *dispatch.Engine, logs *db.DeliveryLogStore) *SelfTester {
	return &SelfTester{engine: engine, logs: logs}
}

type SelfTestResult struct {
	Tag    string           `json:"tag"`
	LogID  string           `json:"logId"`
	Result *dispatch.Result `json:"result"`
}

// Run dispatches a uniquely tagged test job to userID and returns the
// log id so the caller can poll delivery status.
func (s *SelfTester) Run(ctx context.Context, userID, tag string) (*SelfTestResult, error) {
	if tag == "" {
		tag = "selftest-" + uuid.New().String()
	}

	job := &dispatch.Job{
		Title: "Push self-test",
		Body:  "If you can read this, push delivery works end to end.",
		Tag:   tag,
	}

	result, err := s.engine.Dispatch(ctx, job, dispatch.Recipients{UserIDs: []string{userID}})
	if err != nil {
		return nil, err
	}
	if result.Total == 0 {
		return nil, ErrNoSubscriptions
	}

	entries, err := s.logs.ListByTag(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("self-test dispatched but log lookup failed: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("self-test dispatched but produced no log entry")
	}

	return &SelfTestResult{
		Tag:    tag,
		LogID:  entries[0].ID,
		Result: result,
	}, nil
}

// Status returns the current state of a self-test entry. The entry must
// belong to userID; anyone else's entry reads as not found so log ids
// leak nothing across users.
func (s *SelfTester) Status(ctx context.Context, userID, logID string) (*db.DeliveryLogEntry, error) {
	entry, err := s.logs.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.RecipientRef != userID {
		return nil, errors.New("delivery log entry not found")
	}
	return entry, nil
}
