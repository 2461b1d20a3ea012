package billing

import (
	"context"
	"time"
)

// HandlerFailure describes an entitlement handler error that was swallowed so the
// provider still receives an acknowledgment. It carries enough context to
// reconstruct and reprocess the missed update.
type HandlerFailure struct {
	EventID   string
	EventType string
	Err       error
	// Stack is populated when the handler panicked.
	Stack      []byte
	Panicked   bool
	OccurredAt time.Time
}

// FailureReporter receives every swallowed handler failure.
type FailureReporter func(ctx context.Context, failure HandlerFailure)

// LogFailureReporter returns a FailureReporter that writes failures to the operational log.
func LogFailureReporter(logger Logger) FailureReporter {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return func(_ context.Context, failure HandlerFailure) {
		fields := []Field{
			F("event_id", failure.EventID),
			F("event_type", failure.EventType),
			F("panicked", failure.Panicked),
		}
		if failure.Err != nil {
			fields = append(fields, F("error", failure.Err.Error()))
		}
		if len(failure.Stack) > 0 {
			fields = append(fields, F("stack", string(failure.Stack)))
		}
		logger.Error("webhook handler failed; event acknowledged without entitlement update", fields...)
	}
}
