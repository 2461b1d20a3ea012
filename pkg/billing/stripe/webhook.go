package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subflow/pkg/billing"
	"github.com/mihaimyh/subflow/pkg/billing/internal"
)

// webhookResponse is the acknowledgment body Stripe receives for every authentic event.
type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook verifies, records, de-duplicates and dispatches one Stripe event.
// Once the signature is valid the response is always 200; failures past that
// point go to the operational log and the failure reporter.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		p.logger.Error("webhook received but no signing secret is configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		_ = internal.WriteError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		p.logger.Warn("webhook signature verification failed", billing.F("error", err))
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		_ = internal.WriteError(w, http.StatusBadRequest, billing.ErrSignatureInvalid.Error())
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	p.appendRecord(r.Context(), &event)

	if p.isDuplicate(r.Context(), &event) {
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
		return
	}

	handler, ok := p.handlers[event.Type]
	if !ok {
		p.logger.Debug("ignoring unhandled event type", billing.F("event_id", event.ID), billing.F("event_type", eventType))
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	// The handler outlives a dropped connection but not the timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), p.handlerTimeout)
	defer cancel()

	if failure := p.dispatch(ctx, &event, handler); failure != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "handler_failed")
		p.reportFailure(ctx, *failure)
	} else {
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// appendRecord writes the audit line for a verified event. Sink failures are logged, never returned.
func (p *Provider) appendRecord(ctx context.Context, event *stripe.Event) {
	record := billing.EventRecord{
		Timestamp:  p.now(),
		EventType:  string(event.Type),
		EventID:    event.ID,
		CustomerID: customerIDFromEvent(event),
	}
	if err := p.sink.Append(ctx, record); err != nil {
		p.logger.Error("failed to append webhook event record",
			billing.F("event_id", event.ID),
			billing.F("event_type", string(event.Type)),
			billing.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "sink_failed")
	}
}

// isDuplicate consults the ledger. A ledger error lets the event through.
func (p *Provider) isDuplicate(ctx context.Context, event *stripe.Event) bool {
	if p.ledger == nil || event.ID == "" {
		return false
	}
	seen, err := p.ledger.MarkProcessed(ctx, event.ID, string(event.Type))
	if err != nil {
		p.logger.Warn("event ledger unavailable, dispatching without de-duplication",
			billing.F("event_id", event.ID),
			billing.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "ledger_failed")
		return false
	}
	if seen {
		p.logger.Info("duplicate webhook delivery acknowledged",
			billing.F("event_id", event.ID),
			billing.F("event_type", string(event.Type)),
		)
	}
	return seen
}

// dispatch runs handler and converts an error or a panic into a HandlerFailure.
func (p *Provider) dispatch(ctx context.Context, event *stripe.Event, handler eventHandler) (failure *billing.HandlerFailure) {
	defer func() {
		if rec := recover(); rec != nil {
			failure = &billing.HandlerFailure{
				EventID:    event.ID,
				EventType:  string(event.Type),
				Err:        fmt.Errorf("handler panic: %v", rec),
				Stack:      debug.Stack(),
				Panicked:   true,
				OccurredAt: p.now(),
			}
		}
	}()

	if err := handler(ctx, event); err != nil {
		return &billing.HandlerFailure{
			EventID:    event.ID,
			EventType:  string(event.Type),
			Err:        err,
			OccurredAt: p.now(),
		}
	}
	return nil
}

// customerIDFromEvent finds the customer an event concerns. The event object is
// either the customer itself or carries a "customer" field that is an ID or an
// expanded object.
func customerIDFromEvent(event *stripe.Event) string {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return ""
	}

	var obj struct {
		ID       string          `json:"id"`
		Object   string          `json:"object"`
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return ""
	}
	if obj.Object == "customer" {
		return obj.ID
	}
	return expandableID(obj.Customer)
}

// expandableID reads a Stripe expandable field, which is either "id" or {"id": ...}.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
