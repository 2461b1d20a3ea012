package billing

import (
	"fmt"
	"strings"
	"time"
)

const (
	recordSeparator = " - "

	// UnknownCustomer is written in place of the customer ID when an event carries none.
	UnknownCustomer = "N/A"
)

// EventRecord is the audit-trail entry appended once for every signature-valid webhook call.
// Records are never mutated or deleted; a redelivered event produces a second record.
type EventRecord struct {
	// Timestamp is when the receiver accepted the event (not when the provider created it)
	Timestamp time.Time `json:"timestamp"`

	// EventType is the provider-specific event type, e.g. "invoice.payment_failed"
	EventType string `json:"eventType"`

	// EventID is the provider's event identifier, e.g. "evt_1Nx..."
	EventID string `json:"eventId"`

	// CustomerID is the provider customer the event concerns, or UnknownCustomer
	CustomerID string `json:"customerId"`
}

// String renders the record as a single line without the trailing newline:
// "2006-01-02T15:04:05.000Z - type - id - customer".
func (r EventRecord) String() string {
	customerID := r.CustomerID
	if customerID == "" {
		customerID = UnknownCustomer
	}
	return strings.Join([]string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.EventType,
		r.EventID,
		customerID,
	}, recordSeparator)
}

// Line renders the record terminated by a newline, ready to be appended to a sink.
func (r EventRecord) Line() string {
	return r.String() + "\n"
}

// ParseEventRecord parses one line previously produced by EventRecord.Line.
func ParseEventRecord(line string) (EventRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, recordSeparator)
	if len(parts) != 4 {
		return EventRecord{}, fmt.Errorf("%w: malformed event record %q", ErrInvalidArgument, line)
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return EventRecord{}, fmt.Errorf("%w: bad timestamp in event record: %v", ErrInvalidArgument, err)
	}

	return EventRecord{
		Timestamp:  ts,
		EventType:  parts[1],
		EventID:    parts[2],
		CustomerID: parts[3],
	}, nil
}
