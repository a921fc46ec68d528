package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pushrelay/internal/db"
)

// One round-trip to the store never carries more than this many user ids,
// and broadcast pages are capped so large audiences stream instead of
// loading at once.
const (
	userBatchSize     = 100
	BroadcastPageSize = 500
)

const userAgentCap = 512

// ErrMissingKeys is returned when a Web Push registration lacks its
// encryption material.
var ErrMissingKeys = errors.New("missing p256dh/auth keys for web push subscription")

var knownPlatforms = map[string]bool{
	"ios": true, "android": true, "web": true, "windows": true, "unknown": true,
}

// UpsertInput is one client registration. Owner comes from the
// authenticated identity, never from the request body.
type UpsertInput struct {
	Endpoint  string
	P256dh    string
	Auth      string
	Token     string
	Platform  string
	UserAgent string
	UserID    string
	DeviceID  string
}

// UpsertResult is what the client needs back: the row id and which
// provider the endpoint was classified into.
type UpsertResult struct {
	ID       string
	Provider Provider
}

// Service owns subscription rows. All writes go through here so the
// endpoint-uniqueness and key-validation invariants hold in one place.
type Service struct {
	store *db.SubscriptionStore
}

func NewService(store *db.SubscriptionStore) *Service {
	return &Service{store: store}
}

// Upsert validates and stores one registration. The endpoint is the
// identity: registering an endpoint twice replaces keys and metadata
// rather than duplicating the row.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	endpoint := in.Endpoint
	if endpoint == "" {
		// Token providers may register the bare token without a URL.
		endpoint = in.Token
	}

	provider, err := ClassifyEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if provider == ProviderWebPush && (in.P256dh == "" || in.Auth == "") {
		return nil, ErrMissingKeys
	}

	platform := in.Platform
	if !knownPlatforms[platform] {
		platform = "unknown"
	}

	userAgent := in.UserAgent
	if len(userAgent) > userAgentCap {
		userAgent = userAgent[:userAgentCap]
	}

	sub := &db.Subscription{
		Endpoint:  endpoint,
		Provider:  string(provider),
		P256dh:    nullString(in.P256dh),
		Auth:      nullString(in.Auth),
		UserID:    nullString(in.UserID),
		DeviceID:  nullString(in.DeviceID),
		Platform:  platform,
		UserAgent: userAgent,
	}

	id, err := s.store.Upsert(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("registry upsert: %w", err)
	}

	slog.Info("Subscription upserted",
		"id", id, "provider", provider, "platform", platform, "owned", in.UserID != "")

	return &UpsertResult{ID: id, Provider: provider}, nil
}

// Deactivate is idempotent: unknown or already-inactive endpoints are a
// no-op.
func (s *Service) Deactivate(ctx context.Context, endpoint string) error {
	return s.store.Deactivate(ctx, endpoint)
}

// ListActiveFor resolves user ids to their active subscriptions, chunking
// the id set so a broadcast-sized recipient list never produces one
// unbounded query.
func (s *Service) ListActiveFor(ctx context.Context, userIDs []string) ([]db.Subscription, error) {
	var out []db.Subscription
	for start := 0; start < len(userIDs); start += userBatchSize {
		end := start + userBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		subs, err := s.store.ListActiveForUsers(ctx, userIDs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, subs...)
	}
	return out, nil
}

// ListActiveAfter returns the next broadcast page after the keyset
// cursor. A zero cursor starts from the beginning.
func (s *Service) ListActiveAfter(ctx context.Context, afterCreated time.Time, afterID string) ([]db.Subscription, error) {
	return s.store.ListActiveAfter(ctx, afterCreated, afterID, BroadcastPageSize)
}

func (s *Service) ListActiveByEndpoints(ctx context.Context, endpoints []string) ([]db.Subscription, error) {
	return s.store.ListActiveByEndpoints(ctx, endpoints)
}

func (s *Service) TouchLastUsed(ctx context.Context, endpoint string) error {
	return s.store.TouchLastUsed(ctx, endpoint)
}

// SweepStale deactivates subscriptions idle past the horizon.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.DeactivateStale(ctx, time.Now().Add(-olderThan))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
