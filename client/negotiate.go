package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Permission mirrors the platform's notification permission states.
// Granted and denied are terminal for the session; only default prompts.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

var (
	// ErrUnsupportedPlatform means the device lacks worker or push
	// capability. Not retryable; the caller decides what to show.
	ErrUnsupportedPlatform = errors.New("push is not supported on this platform")

	// ErrPermissionDenied is terminal for the session; the negotiator
	// never re-prompts.
	ErrPermissionDenied = errors.New("notification permission denied")
)

// Subscription is the platform-level push subscription.
type Subscription interface {
	Endpoint() string
	Keys() (p256dh, auth string)
	Unsubscribe(ctx context.Context) error
}

// PushManager abstracts the platform's push subscription API.
type PushManager interface {
	Supported() bool
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)

	// Subscription returns the existing subscription, or (nil, nil)
	// when none exists.
	Subscription(ctx context.Context) (Subscription, error)

	// Subscribe creates a subscription against the given application
	// server key.
	Subscribe(ctx context.Context, serverKey string) (Subscription, error)
}

// Registry is the server side of negotiation.
type Registry interface {
	// PublicKey fetches the current application server key. Fetched per
	// negotiation, never hardcoded, so server-side key rotation needs
	// no client redeploy.
	PublicKey(ctx context.Context) (string, error)
	Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error)
	Remove(ctx context.Context, endpoint string) error
}

type UpsertRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

type UpsertResult struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Negotiator produces a valid provider subscription and hands it to the
// registry.
type Negotiator struct {
	push      PushManager
	registry  Registry
	platform  string
	deviceID  string
	userAgent string
}

func NewNegotiator(push PushManager, registry Registry, platform, deviceID, userAgent string) *Negotiator {
	return &Negotiator{
		push:      push,
		registry:  registry,
		platform:  platform,
		deviceID:  deviceID,
		userAgent: userAgent,
	}
}

// Subscribe walks the full negotiation: capability check, permission,
// local subscription, registry upsert. If the registry submission fails
// after a subscription was created here, the local subscription is
// rolled back so no orphaned endpoint lingers that the server cannot
// route to.
func (n *Negotiator) Subscribe(ctx context.Context) (Subscription, error) {
	if !n.push.Supported() {
		return nil, ErrUnsupportedPlatform
	}

	perm, err := n.push.Permission(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification permission: %w", err)
	}
	if perm == PermissionDefault {
		perm, err = n.push.RequestPermission(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to request notification permission: %w", err)
		}
	}
	if perm != PermissionGranted {
		return nil, ErrPermissionDenied
	}

	sub, err := n.push.Subscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing subscription: %w", err)
	}

	created := false
	if sub == nil {
		key, err := n.registry.PublicKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch server key: %w", err)
		}
		sub, err = n.push.Subscribe(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
		created = true
	}

	p256dh, auth := sub.Keys()
	_, err = n.registry.Upsert(ctx, UpsertRequest{
		Endpoint:  sub.Endpoint(),
		P256dh:    p256dh,
		Auth:      auth,
		Platform:  n.platform,
		UserAgent: n.userAgent,
		DeviceID:  n.deviceID,
	})
	if err != nil {
		if created {
			if rbErr := sub.Unsubscribe(ctx); rbErr != nil {
				slog.Warn("Failed to roll back local subscription", "error", rbErr)
			}
		}
		return nil, fmt.Errorf("failed to register subscription: %w", err)
	}

	return sub, nil
}

// Unsubscribe tears down both sides. The server side is best-effort:
// a dangling registry row self-heals on the next permanent delivery
// failure.
func (n *Negotiator) Unsubscribe(ctx context.Context) error {
	sub, err := n.push.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("failed to read existing subscription: %w", err)
	}
	if sub == nil {
		return nil
	}

	endpoint := sub.Endpoint()
	if err := sub.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("failed to unsubscribe locally: %w", err)
	}

	if err := n.registry.Remove(ctx, endpoint); err != nil {
		slog.Warn("Failed to remove subscription from registry", "error", err)
	}
	return nil
}
