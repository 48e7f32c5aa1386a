// Package notify informs users about payment outcomes. Delivery (email, push)
// is another service's problem; this is the narrow interface the core calls.
package notify

import (
	"context"
	"log"
)

// Event names a payment outcome a user should hear about.
type Event string

const (
	EventPaymentCompleted Event = "payment_completed"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentExpired   Event = "payment_expired"
	EventPaymentReceived  Event = "payment_received"
)

// Notifier delivers one event to one user. Implementations must be safe for
// concurrent use; callers treat delivery as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event, ref string) error
}

// LogNotifier writes events to the process log. Default for dev and tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID string, event Event, ref string) error {
	log.Printf("notify user=%s event=%s ref=%s", userID, event, ref)
	return nil
}
