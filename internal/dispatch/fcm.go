package dispatch

import (
	"context"

	"firebase.google.com/go/v4/messaging"

	"pushrelay/internal/db"
)

// FCMTransport delivers to installed-app registration tokens through
// Firebase Cloud Messaging. The subscription endpoint is the token.
type FCMTransport struct {
	client *messaging.Client
}

func NewFCMTransport(client *messaging.Client) *FCMTransport {
	return &FCMTransport{client: client}
}

func (t *FCMTransport) Send(ctx context.Context, sub *db.Subscription, job *Job) error {
	msg := &messaging.Message{
		Token: sub.Endpoint,
		Notification: &messaging.Notification{
			Title: job.Title,
			Body:  job.Body,
		},
		Data: job.DataFields(),
	}

	_, err := t.client.Send(ctx, msg)
	if err == nil {
		return nil
	}

	switch {
	case messaging.IsUnregistered(err):
		// Token rotated or app uninstalled.
		return goneError("fcm_unregistered", err)
	case messaging.IsSenderIDMismatch(err):
		return goneError("fcm_sender_mismatch", err)
	case messaging.IsQuotaExceeded(err), messaging.IsUnavailable(err), messaging.IsInternal(err):
		return transientError("fcm_unavailable", err)
	case messaging.IsInvalidArgument(err):
		return permanentError("fcm_invalid_argument", err)
	default:
		return transientError("fcm_error", err)
	}
}
