package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/subflow/pkg/billing"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxUserIDLen        = 255

	defaultMaxCustomers = 1000

	idempotencyKeyHeader = "Idempotency-Key"
	logNotFoundMessage   = "Log file not found"
)

// Handler provides the HTTP endpoints of the billing service
type Handler struct {
	config Config
}

// Router returns the full route table with the standard chi middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/webhook", h.config.Provider.WebhookHandler())

	r.Route("/checkout-sessions", func(r chi.Router) {
		r.Post("/", h.CreateCheckoutSession)
		r.Get("/{id}", h.GetCheckoutSession)
	})

	r.Route("/customers", func(r chi.Router) {
		r.Post("/", h.CreateCustomer)
		r.Get("/", h.ListCustomers)
		r.Get("/all", h.ListAllCustomers)
	})

	r.Post("/subscriptions", h.CreateSubscription)
	r.Get("/prices", h.ListPrices)
	r.Get("/logs", h.GetLogs)
	r.Get("/entitlements/{userId}", h.GetEntitlement)
	r.Post("/entitlements/{userId}/sync", h.SyncEntitlement)

	if h.config.MetricsHandler != nil {
		r.Handle("/metrics", h.config.MetricsHandler)
	}

	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateCheckoutSession starts a hosted checkout. A repeated Idempotency-Key returns the same session.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	session, err := h.config.Provider.CreateCheckoutSession(r.Context(), billing.CheckoutRequest{
		PriceID:        strings.TrimSpace(req.PriceID),
		CustomerEmail:  req.CustomerEmail,
		CustomerID:     req.CustomerID,
		UserID:         req.UserID,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GetCheckoutSession returns the summary the success page renders
func (h *Handler) GetCheckoutSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.config.Provider.RetrieveCheckoutSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CreateCustomer returns the user's Stripe customer, creating one when needed
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := validateUserID(req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}

	user := &billing.User{
		ID:               req.UserID,
		Email:            req.Email,
		Name:             req.Name,
		Phone:            req.Phone,
		Address:          req.Address,
		StripeCustomerID: req.StripeCustomerID,
	}
	if h.config.Repository != nil {
		stored, err := h.config.Repository.FindUserByID(r.Context(), req.UserID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		user = stored
	}

	customerID, created, err := h.config.Provider.GetOrCreateCustomer(r.Context(), user)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateCustomerResponse{CustomerID: customerID, Created: created})
}

// ListCustomers returns one page of customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := billing.CustomerListRequest{
		Email:         q.Get("email"),
		StartingAfter: q.Get("startingAfter"),
		EndingBefore:  q.Get("endingBefore"),
	}
	var err error
	if req.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.CreatedAfter, err = queryInt(q.Get("created"), "created"); err != nil {
		h.handleError(w, r, err)
		return
	}

	page, err := h.config.Provider.ListCustomers(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListAllCustomers pages through customers up to maxCustomers (default 1000)
func (h *Handler) ListAllCustomers(w http.ResponseWriter, r *http.Request) {
	maxCustomers := int64(defaultMaxCustomers)
	if raw := r.URL.Query().Get("maxCustomers"); raw != "" {
		n, err := queryInt(raw, "maxCustomers")
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		maxCustomers = n
	}

	customers, err := h.config.Provider.ListAllCustomers(r.Context(), int(maxCustomers))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllCustomersResponse{Customers: customers, TotalCount: len(customers)})
}

// CreateSubscription creates a subscription without hosted checkout
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.SubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.config.Provider.CreateSubscription(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListPrices returns active prices with their products
func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.config.Provider.ListPrices(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// GetLogs returns the webhook event log as text, or wrapped in JSON with ?format=json
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	content, err := h.config.Sink.ReadAll(r.Context())
	if errors.Is(err, billing.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: logNotFoundMessage})
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to read event log: %w", err))
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, LogsResponse{Logs: content})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

// GetEntitlement returns the stored access state for a user
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := validateUserID(userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	if h.config.Repository == nil {
		h.handleError(w, r, billing.ErrEntitlementNotFound)
		return
	}

	ent, err := h.config.Repository.GetEntitlement(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// SyncEntitlement refreshes a user's entitlement from the provider and returns it
func (h *Handler) SyncEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := validateUserID(userID); err != nil {
		h.handleError(w, r, err)
		return
	}

	ent, err := h.config.Provider.SyncEntitlement(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleError maps billing errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			billing.F("method", r.Method),
			billing.F("path", r.URL.Path),
			billing.F("request_id", middleware.GetReqID(r.Context())),
			billing.F("error", err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor returns the response status and the message safe to show the caller.
// Upstream failures are reported generically.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrInvalidArgument),
		errors.Is(err, billing.ErrInvalidCoupon),
		errors.Is(err, billing.ErrSignatureInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, billing.ErrNotFound),
		errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrEntitlementNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, billing.ErrConfiguration):
		return http.StatusInternalServerError, err.Error()
	case errors.Is(err, billing.ErrUpstreamProvider):
		return http.StatusInternalServerError, "billing provider request failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", billing.ErrInvalidArgument)
	}
	return nil
}

func queryInt(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", billing.ErrInvalidArgument, name)
	}
	return n, nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: invalid user ID", billing.ErrInvalidArgument)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
