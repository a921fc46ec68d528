package delivery

import (
	"context"
	"log/slog"

	"pushrelay/internal/db"
)

// Receipts upgrades sent entries to delivered when a client confirms it
// displayed the notification. Providers give no universal delivery ack,
// so this is the optional half of the state machine; entries without a
// receipt stay at sent, which is a valid terminal outcome.
type Receipts struct {
	logs *db.DeliveryLogStore
}

func NewReceipts(logs *db.DeliveryLogStore) *Receipts {
	return &Receipts{logs: logs}
}

// Confirm marks every sent entry for the (tag, user) pair delivered.
// Terminal entries are untouched; confirming twice is a no-op.
func (r *Receipts) Confirm(ctx context.Context, tag, userID string) (int64, error) {
	n, err := r.logs.MarkDeliveredByTag(ctx, tag, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Delivery confirmed", "tag", tag, "entries", n)
	}
	return n, nil
}
