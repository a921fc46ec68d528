package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pushrelay/internal/db"
)

// WebPushTransport signs and sends VAPID Web Push messages to browser
// push services.
type WebPushTransport struct {
	subscriber string
	publicKey  string
	privateKey string
	ttl        int
	client     *http.Client
}

func NewWebPushTransport(subscriber, publicKey, privateKey string, timeout time.Duration) *WebPushTransport {
	return &WebPushTransport{
		subscriber: subscriber,
		publicKey:  publicKey,
		privateKey: privateKey,
		ttl:        60 * 60 * 24,
		client:     &http.Client{Timeout: timeout},
	}
}

func (t *WebPushTransport) Send(ctx context.Context, sub *db.Subscription, job *Job) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh.String,
			Auth:   sub.Auth.String,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, job.WebPushPayload(), s, &webpush.Options{
		Subscriber:      t.subscriber, // webpush-go adds mailto: automatically
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey,
		TTL:             t.ttl,
		HTTPClient:      t.client,
	})
	if err != nil {
		return transientError("webpush_network", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return goneError(fmt.Sprintf("webpush_%d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusForbidden:
		// VAPID key mismatch: the subscription was created under a key
		// we no longer hold, so it can never be delivered again.
		return goneError("webpush_403", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transientError(fmt.Sprintf("webpush_%d", resp.StatusCode), nil)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return permanentError(fmt.Sprintf("webpush_%d", resp.StatusCode),
			fmt.Errorf("push service rejected message: %s", detail))
	}
}
