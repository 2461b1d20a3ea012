package billing

import "context"

// EventLedger records which provider event IDs have already been dispatched, so that
// redelivered webhooks are acknowledged without being applied twice.
type EventLedger interface {
	// MarkProcessed atomically records eventID. It returns true if the event was
	// already recorded (a duplicate delivery) and false if this call recorded it.
	MarkProcessed(ctx context.Context, eventID, eventType string) (alreadyProcessed bool, err error)

	// Forget removes eventID so that a future delivery is dispatched again.
	// Used when an operator wants to reprocess an event whose handler failed.
	Forget(ctx context.Context, eventID string) error
}
