package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Delivery log statuses. Entries only move forward:
// queued -> sent -> delivered, or queued/sent -> failed.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrTerminalState is returned when a transition is attempted on an entry
// that is already delivered or failed. Terminal entries are immutable; a
// new attempt gets a new entry.
var ErrTerminalState = errors.New("delivery log entry is in a terminal state")

type DeliveryLogEntry struct {
	ID           string    `db:"id" json:"id"`
	RecipientRef string    `db:"recipient_ref" json:"recipient_ref"`
	Channel      string    `db:"channel" json:"channel"`
	MessageTag   string    `db:"message_tag" json:"message_tag"`
	Status       string    `db:"status" json:"status"`
	Retryable    bool      `db:"retryable" json:"retryable"`
	ErrorCode    string    `db:"error_code" json:"error_code,omitempty"`
	ErrorReason  string    `db:"error_reason" json:"error_reason,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

type DeliveryLogStore struct {
	db *sqlx.DB
}

func NewDeliveryLogStore(database *sqlx.DB) *DeliveryLogStore {
	return &DeliveryLogStore{db: database}
}

// Create writes a fresh entry in the queued state and returns its id.
func (s *DeliveryLogStore) Create(ctx context.Context, recipientRef, channel, messageTag string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (id, recipient_ref, channel, message_tag, status)
		VALUES ($1, $2, $3, $4, 'queued')
	`, id, recipientRef, channel, messageTag)
	if err != nil {
		return "", fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return id, nil
}

// MarkSent moves a queued entry to sent. The WHERE clause is the state
// machine: a terminal or already-sent entry matches no rows.
func (s *DeliveryLogStore) MarkSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'sent', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery log entry sent: %w", err)
	}
	return s.checkTransition(res)
}

// MarkDelivered upgrades a sent entry on a provider acknowledgement.
// Absence of an ack leaves the entry at sent, which is a valid terminal
// outcome.
func (s *DeliveryLogStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'delivered', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'sent'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery log entry delivered: %w", err)
	}
	return s.checkTransition(res)
}

// MarkFailed terminates an entry with a reason. Retryable failures may be
// picked up again by the retry scheduler as net-new attempts.
func (s *DeliveryLogStore) MarkFailed(ctx context.Context, id, code, reason string, retryable bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'failed', retryable = $2, error_code = $3, error_reason = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('queued', 'sent')
	`, id, retryable, code, reason)
	if err != nil {
		return fmt.Errorf("failed to mark delivery log entry failed: %w", err)
	}
	return s.checkTransition(res)
}

func (s *DeliveryLogStore) checkTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTerminalState
	}
	return nil
}

func (s *DeliveryLogStore) Get(ctx context.Context, id string) (*DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, `SELECT * FROM delivery_log WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.New("delivery log entry not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery log entry: %w", err)
	}
	return &entry, nil
}

// ListByTag returns the entries a tagged job produced, newest first. The
// self-test harness uses this to hand the caller a log id to poll.
func (s *DeliveryLogStore) ListByTag(ctx context.Context, tag string) ([]DeliveryLogEntry, error) {
	var entries []DeliveryLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM delivery_log
		WHERE message_tag = $1
		ORDER BY created_at DESC
	`, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery log entries: %w", err)
	}
	return entries, nil
}

// MarkDeliveredByTag upgrades every sent entry for one recipient and tag.
// Used by the client delivery receipt; entries already terminal stay put.
func (s *DeliveryLogStore) MarkDeliveredByTag(ctx context.Context, tag, recipientRef string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'delivered', updated_at = CURRENT_TIMESTAMP
		WHERE message_tag = $1 AND recipient_ref = $2 AND status = 'sent'
	`, tag, recipientRef)
	if err != nil {
		return 0, fmt.Errorf("failed to mark delivered by tag: %w", err)
	}
	return res.RowsAffected()
}
