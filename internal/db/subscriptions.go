package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Subscription is one registered push endpoint. There is exactly one row
// per endpoint; re-registration replaces keys and metadata in place.
type Subscription struct {
	ID         string         `db:"id" json:"id"`
	Endpoint   string         `db:"endpoint" json:"endpoint"`
	Provider   string         `db:"provider" json:"provider"`
	P256dh     sql.NullString `db:"p256dh" json:"-"`
	Auth       sql.NullString `db:"auth" json:"-"`
	UserID     sql.NullString `db:"user_id" json:"user_id,omitempty"`
	DeviceID   sql.NullString `db:"device_id" json:"device_id,omitempty"`
	Platform   string         `db:"platform" json:"platform"`
	UserAgent  string         `db:"user_agent" json:"user_agent"`
	IsActive   bool           `db:"is_active" json:"is_active"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	LastUsedAt time.Time      `db:"last_used_at" json:"last_used_at"`
}

type SubscriptionStore struct {
	db *sqlx.DB
}

func NewSubscriptionStore(database *sqlx.DB) *SubscriptionStore {
	return &SubscriptionStore{db: database}
}

// Upsert inserts or replaces the row keyed by endpoint. Metadata and owner
// are last-write-wins and the row is reactivated, so a device re-used by a
// second account deterministically belongs to the most recent caller.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub *Subscription) (string, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO push_subscriptions
			(id, endpoint, provider, p256dh, auth, user_id, device_id, platform, user_agent, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		ON CONFLICT (endpoint) DO UPDATE
		SET provider = EXCLUDED.provider,
		    p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    user_id = EXCLUDED.user_id,
		    device_id = EXCLUDED.device_id,
		    platform = EXCLUDED.platform,
		    user_agent = EXCLUDED.user_agent,
		    is_active = TRUE,
		    last_used_at = CURRENT_TIMESTAMP
		RETURNING id
	`, sub.ID, sub.Endpoint, sub.Provider, sub.P256dh, sub.Auth,
		sub.UserID, sub.DeviceID, sub.Platform, sub.UserAgent).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return id, nil
}

// Deactivate marks an endpoint undeliverable. Deactivating an endpoint
// that is already inactive, or unknown, is a no-op: concurrent dispatch
// workers may all observe the same stale endpoint at once.
func (s *SubscriptionStore) Deactivate(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions
		SET is_active = FALSE, last_used_at = CURRENT_TIMESTAMP
		WHERE endpoint = $1 AND is_active
	`, endpoint)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// ListActiveForUsers returns active subscriptions for the given user ids.
// The caller is expected to keep the id slice within one batch; the
// registry service chunks larger recipient sets.
func (s *SubscriptionStore) ListActiveForUsers(ctx context.Context, userIDs []string) ([]Subscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM push_subscriptions
		WHERE is_active AND user_id IN (?)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription query: %w", err)
	}

	var subs []Subscription
	if err := s.db.SelectContext(ctx, &subs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveAfter pages through the active set for broadcast sends using
// a (created_at, id) keyset cursor. Offset paging would skip rows here:
// dispatch deactivates gone endpoints between pages, and every
// deactivation would shift the next offset past an untried subscriber.
func (s *SubscriptionStore) ListActiveAfter(ctx context.Context, afterCreated time.Time, afterID string, limit int) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT * FROM push_subscriptions
		WHERE is_active AND (created_at, id::text) > ($1, $2)
		ORDER BY created_at, id::text
		LIMIT $3
	`, afterCreated, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveByEndpoints resolves a retry job's endpoints back to rows,
// skipping anything deactivated since the original attempt.
func (s *SubscriptionStore) ListActiveByEndpoints(ctx context.Context, endpoints []string) ([]Subscription, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM push_subscriptions
		WHERE is_active AND endpoint IN (?)
	`, endpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription query: %w", err)
	}

	var subs []Subscription
	if err := s.db.SelectContext(ctx, &subs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) TouchLastUsed(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions
		SET last_used_at = CURRENT_TIMESTAMP
		WHERE endpoint = $1
	`, endpoint)
	if err != nil {
		return fmt.Errorf("failed to touch subscription: %w", err)
	}
	return nil
}

// DeactivateStale sweeps subscriptions that have not been used since the
// horizon. Returns the number of rows swept.
func (s *SubscriptionStore) DeactivateStale(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions
		SET is_active = FALSE
		WHERE is_active AND last_used_at < $1
	`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
