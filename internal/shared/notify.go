package shared

import (
	"context"

	"github.com/shopspring/decimal"
)

// Notification is a fire-and-forget message emitted on state transitions.
type Notification struct {
	Event    string
	Entity   string
	EntityID int64
	Number   string
	Subject  string
	Body     string
	Amount   decimal.Decimal
	To       string
}

// Notifier delivers notifications. Implementations must not block the caller
// on delivery and failures are only logged.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) {}
