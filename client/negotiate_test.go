package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	endpoint     string
	p256dh       string
	auth         string
	unsubscribed bool
}

func (f *fakeSubscription) Endpoint() string       { return f.endpoint }
func (f *fakeSubscription) Keys() (string, string) { return f.p256dh, f.auth }
func (f *fakeSubscription) Unsubscribe(_ context.Context) error {
	f.unsubscribed = true
	return nil
}

type fakePushManager struct {
	supported  bool
	permission Permission
	prompted   bool
	promptTo   Permission

	existing *fakeSubscription
	created  *fakeSubscription
}

func (f *fakePushManager) Supported() bool { return f.supported }

func (f *fakePushManager) Permission(_ context.Context) (Permission, error) {
	return f.permission, nil
}

func (f *fakePushManager) RequestPermission(_ context.Context) (Permission, error) {
	f.prompted = true
	f.permission = f.promptTo
	return f.promptTo, nil
}

func (f *fakePushManager) Subscription(_ context.Context) (Subscription, error) {
	if f.existing == nil {
		return nil, nil
	}
	return f.existing, nil
}

func (f *fakePushManager) Subscribe(_ context.Context, serverKey string) (Subscription, error) {
	if serverKey == "" {
		return nil, errors.New("missing server key")
	}
	f.created = &fakeSubscription{endpoint: "https://push.example/new", p256dh: "pk", auth: "ak"}
	return f.created, nil
}

type fakeServerRegistry struct {
	publicKey string
	upsertErr error
	upserts   []UpsertRequest
	removed   []string
}

func (f *fakeServerRegistry) PublicKey(_ context.Context) (string, error) {
	return f.publicKey, nil
}

func (f *fakeServerRegistry) Upsert(_ context.Context, req UpsertRequest) (*UpsertResult, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, req)
	return &UpsertResult{ID: "sub-1", Provider: "webpush"}, nil
}

func (f *fakeServerRegistry) Remove(_ context.Context, endpoint string) error {
	f.removed = append(f.removed, endpoint)
	return nil
}

func newTestNegotiator(push *fakePushManager, reg *fakeServerRegistry) *Negotiator {
	return NewNegotiator(push, reg, "web", "device-1", "test-agent")
}

func TestNegotiatorSubscribe(t *testing.T) {
	t.Run("full flow creates and registers", func(t *testing.T) {
		push := &fakePushManager{supported: true, permission: PermissionDefault, promptTo: PermissionGranted}
		reg := &fakeServerRegistry{publicKey: "server-key"}

		sub, err := newTestNegotiator(push, reg).Subscribe(context.Background())
		require.NoError(t, err)
		require.NotNil(t, sub)

		assert.True(t, push.prompted)
		require.Len(t, reg.upserts, 1)
		assert.Equal(t, "https://push.example/new", reg.upserts[0].Endpoint)
		assert.Equal(t, "device-1", reg.upserts[0].DeviceID)
		assert.False(t, push.created.unsubscribed)
	})

	t.Run("unsupported platform", func(t *testing.T) {
		push := &fakePushManager{supported: false}
		_, err := newTestNegotiator(push, &fakeServerRegistry{}).Subscribe(context.Background())
		assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	})

	t.Run("permission denied is terminal", func(t *testing.T) {
		push := &fakePushManager{supported: true, permission: PermissionDenied}
		_, err := newTestNegotiator(push, &fakeServerRegistry{}).Subscribe(context.Background())
		assert.ErrorIs(t, err, ErrPermissionDenied)

		// A denied state is never re-prompted.
		assert.False(t, push.prompted)
	})

	t.Run("prompt refused", func(t *testing.T) {
		push := &fakePushManager{supported: true, permission: PermissionDefault, promptTo: PermissionDenied}
		_, err := newTestNegotiator(push, &fakeServerRegistry{}).Subscribe(context.Background())
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.True(t, push.prompted)
	})

	t.Run("existing subscription reused without prompting the platform", func(t *testing.T) {
		existing := &fakeSubscription{endpoint: "https://push.example/existing", p256dh: "pk", auth: "ak"}
		push := &fakePushManager{supported: true, permission: PermissionGranted, existing: existing}
		reg := &fakeServerRegistry{publicKey: "server-key"}

		sub, err := newTestNegotiator(push, reg).Subscribe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "https://push.example/existing", sub.Endpoint())
		assert.Nil(t, push.created)
	})

	t.Run("registry failure rolls back a locally created subscription", func(t *testing.T) {
		push := &fakePushManager{supported: true, permission: PermissionGranted}
		reg := &fakeServerRegistry{publicKey: "server-key", upsertErr: errors.New("server down")}

		_, err := newTestNegotiator(push, reg).Subscribe(context.Background())
		require.Error(t, err)

		// The orphan is torn down so no endpoint exists the server
		// cannot route to.
		require.NotNil(t, push.created)
		assert.True(t, push.created.unsubscribed)
	})

	t.Run("registry failure leaves a pre-existing subscription alone", func(t *testing.T) {
		existing := &fakeSubscription{endpoint: "https://push.example/existing", p256dh: "pk", auth: "ak"}
		push := &fakePushManager{supported: true, permission: PermissionGranted, existing: existing}
		reg := &fakeServerRegistry{publicKey: "server-key", upsertErr: errors.New("server down")}

		_, err := newTestNegotiator(push, reg).Subscribe(context.Background())
		require.Error(t, err)
		assert.False(t, existing.unsubscribed)
	})
}

func TestNegotiatorUnsubscribe(t *testing.T) {
	t.Run("tears down both sides", func(t *testing.T) {
		existing := &fakeSubscription{endpoint: "https://push.example/existing"}
		push := &fakePushManager{supported: true, existing: existing}
		reg := &fakeServerRegistry{}

		require.NoError(t, newTestNegotiator(push, reg).Unsubscribe(context.Background()))
		assert.True(t, existing.unsubscribed)
		assert.Equal(t, []string{"https://push.example/existing"}, reg.removed)
	})

	t.Run("nothing subscribed is a no-op", func(t *testing.T) {
		push := &fakePushManager{supported: true}
		reg := &fakeServerRegistry{}

		require.NoError(t, newTestNegotiator(push, reg).Unsubscribe(context.Background()))
		assert.Empty(t, reg.removed)
	})
}
