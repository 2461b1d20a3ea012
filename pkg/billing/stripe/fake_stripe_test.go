package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subflow/pkg/billing"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testBaseURL             = "https://app.example.com"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testPriceID             = "price_pro_monthly"
	testSubscriptionID      = "sub_test_123"
)

type object = map[string]interface{}

// idempotentReply is what the fake remembers per Idempotency-Key. Like Stripe, a
// key replayed with different parameters is rejected.
type idempotentReply struct {
	params  string
	payload []byte
}

// fakeStripe is a minimal in-process Stripe API covering the endpoints the provider calls.
type fakeStripe struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	requests      map[string]int
	idempotent    map[string]idempotentReply
	customers     []object
	subscriptions map[string]object
	coupons       map[string]object
	promotions    map[string]string
	prices        []object
	forms         map[string][]url.Values
	idemKeys      map[string][]string
	failStatus    int
	nextID        int

	// held requests signal arrived and then wait for hold to close.
	hold    chan struct{}
	arrived chan struct{}
}

func newFakeStripe(t *testing.T) *fakeStripe {
	t.Helper()
	f := &fakeStripe{
		t:             t,
		requests:      make(map[string]int),
		idempotent:    make(map[string]idempotentReply),
		subscriptions: make(map[string]object),
		coupons:       make(map[string]object),
		promotions:    make(map[string]string),
		forms:         make(map[string][]url.Values),
		idemKeys:      make(map[string][]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeStripe) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method+" "+path]
}

// idsIssued is the number of objects the fake has created.
func (f *fakeStripe) idsIssued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *fakeStripe) formsFor(method, path string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[method+" "+path]
}

func (f *fakeStripe) idempotencyKeysFor(method, path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idemKeys[method+" "+path]
}

func (f *fakeStripe) addCustomer(c object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := c["object"]; !ok {
		c["object"] = "customer"
	}
	f.customers = append(f.customers, c)
}

func (f *fakeStripe) addCustomers(n int) {
	for i := 0; i < n; i++ {
		f.addCustomer(object{
			"id":      fmt.Sprintf("cus_%04d", i),
			"email":   fmt.Sprintf("user%d@example.com", i),
			"created": 1700000000 + i,
		})
	}
}

// holdRequests parks every request until the returned release func is called.
// The channel receives once per request that reaches the fake.
func (f *fakeStripe) holdRequests() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	f.arrived = make(chan struct{}, 16)
	var once sync.Once
	hold := f.hold
	release := func() { once.Do(func() { close(hold) }) }
	f.t.Cleanup(release)
	return f.arrived, release
}

func (f *fakeStripe) fail(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

func (f *fakeStripe) setPrices(prices ...object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = prices
}

func (f *fakeStripe) addCoupon(id string, valid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coupons[id] = object{"id": id, "object": "coupon", "valid": valid, "percent_off": 20}
}

func (f *fakeStripe) addPromotion(code, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promotions[code] = id
}

func (f *fakeStripe) addSubscription(s object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s["object"] = "subscription"
	f.subscriptions[s["id"].(string)] = s
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.t.Errorf("fake stripe: parse form: %v", err)
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	key := r.Method + " " + routeKey(path)

	f.mu.Lock()
	hold, arrived := f.hold, f.arrived
	f.mu.Unlock()
	if hold != nil {
		arrived <- struct{}{}
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[key]++

	if f.failStatus != 0 {
		writeStripeError(w, f.failStatus, "api_error", "", "upstream unavailable")
		return
	}

	idemKey := ""
	if r.Method == http.MethodPost {
		f.forms[key] = append(f.forms[key], r.PostForm)
		if k := r.Header.Get("Idempotency-Key"); k != "" {
			f.idemKeys[key] = append(f.idemKeys[key], k)
			idemKey = key + "|" + k
			if cached, ok := f.idempotent[idemKey]; ok {
				if cached.params != r.PostForm.Encode() {
					writeStripeError(w, http.StatusBadRequest, "idempotency_error", "",
						"Keys for idempotent requests can only be used with the same parameters they were first used with.")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(cached.payload)
				return
			}
		}
	}

	status, body := f.route(r, path)
	payload, err := json.Marshal(body)
	if err != nil {
		f.t.Errorf("fake stripe: marshal: %v", err)
	}
	if idemKey != "" && status == http.StatusOK {
		f.idempotent[idemKey] = idempotentReply{params: r.PostForm.Encode(), payload: payload}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// routeKey collapses resource IDs so requests can be counted per endpoint.
func routeKey(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case parts[0] == "checkout" && len(parts) == 3:
		return "/checkout/sessions/{id}"
	case parts[0] == "checkout":
		return path
	case len(parts) == 2 && parts[1] == "search":
		return path
	case len(parts) == 2:
		return "/" + parts[0] + "/{id}"
	default:
		return path
	}
}

func (f *fakeStripe) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_fake_%d", prefix, f.nextID)
}

func (f *fakeStripe) route(r *http.Request, path string) (int, interface{}) {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case r.Method == http.MethodPost && path == "/checkout/sessions":
		id := f.newID("cs")
		return http.StatusOK, object{
			"id":     id,
			"object": "checkout.session",
			"url":    "https://checkout.stripe.com/c/pay/" + id,
			"status": "open",
			"mode":   "subscription",
		}

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "checkout":
		return http.StatusOK, object{
			"id":               parts[2],
			"object":           "checkout.session",
			"status":           "complete",
			"customer_details": object{"email": "buyer@example.com"},
			"customer":         object{"id": testCustomerID, "object": "customer", "email": "buyer@example.com"},
			"subscription":     object{"id": testSubscriptionID, "object": "subscription", "status": "active"},
		}

	case r.Method == http.MethodPost && path == "/customers":
		c := object{
			"id":       f.newID("cus"),
			"object":   "customer",
			"email":    r.PostForm.Get("email"),
			"name":     r.PostForm.Get("name"),
			"metadata": object{"user_id": r.PostForm.Get("metadata[user_id]")},
		}
		f.customers = append(f.customers, c)
		return http.StatusOK, c

	case r.Method == http.MethodGet && path == "/customers":
		return http.StatusOK, f.listCustomers(r.Form)

	case r.Method == http.MethodGet && path == "/customers/search":
		return http.StatusOK, f.searchCustomers(r.Form.Get("query"))

	case r.Method == http.MethodGet && path == "/subscriptions":
		return http.StatusOK, f.listSubscriptions(r.Form)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "customers":
		for _, c := range f.customers {
			if c["id"] == parts[1] {
				return http.StatusOK, c
			}
		}
		return stripeError(http.StatusNotFound, "resource_missing", "No such customer: "+parts[1])

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "coupons":
		if c, ok := f.coupons[parts[1]]; ok {
			return http.StatusOK, c
		}
		return stripeError(http.StatusNotFound, "resource_missing", "No such coupon: "+parts[1])

	case r.Method == http.MethodGet && path == "/promotion_codes":
		data := []interface{}{}
		if id, ok := f.promotions[r.Form.Get("code")]; ok {
			data = append(data, object{"id": id, "object": "promotion_code", "code": r.Form.Get("code"), "active": true})
		}
		return http.StatusOK, object{"object": "list", "url": "/v1/promotion_codes", "has_more": false, "data": data}

	case r.Method == http.MethodPost && path == "/subscriptions":
		id := f.newID("sub")
		sub := object{
			"id":       id,
			"object":   "subscription",
			"status":   "incomplete",
			"customer": r.PostForm.Get("customer"),
			"latest_invoice": object{
				"id":                 f.newID("in"),
				"object":             "invoice",
				"hosted_invoice_url": "https://invoice.stripe.com/i/" + id,
				"confirmation_secret": object{
					"client_secret": "pi_secret_" + id,
					"type":          "payment_intent",
				},
			},
		}
		f.subscriptions[id] = sub
		return http.StatusOK, sub

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "subscriptions":
		if s, ok := f.subscriptions[parts[1]]; ok {
			return http.StatusOK, s
		}
		return stripeError(http.StatusNotFound, "resource_missing", "No such subscription: "+parts[1])

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "subscriptions":
		s, ok := f.subscriptions[parts[1]]
		if !ok {
			return stripeError(http.StatusNotFound, "resource_missing", "No such subscription: "+parts[1])
		}
		md, _ := s["metadata"].(object)
		if md == nil {
			md = object{}
		}
		if v := r.PostForm.Get("metadata[user_id]"); v != "" {
			md["user_id"] = v
		}
		s["metadata"] = md
		return http.StatusOK, s

	case r.Method == http.MethodGet && path == "/prices":
		data := make([]interface{}, 0, len(f.prices))
		for _, p := range f.prices {
			data = append(data, p)
		}
		return http.StatusOK, object{"object": "list", "url": "/v1/prices", "has_more": false, "data": data}
	}

	f.t.Errorf("fake stripe: unexpected request %s %s", r.Method, r.URL.Path)
	return stripeError(http.StatusNotFound, "resource_missing", "unknown route")
}

func (f *fakeStripe) listCustomers(q url.Values) object {
	limit := 10
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}

	filtered := make([]object, 0, len(f.customers))
	for _, c := range f.customers {
		if email := q.Get("email"); email != "" && c["email"] != email {
			continue
		}
		filtered = append(filtered, c)
	}

	start := 0
	if after := q.Get("starting_after"); after != "" {
		for i, c := range filtered {
			if c["id"] == after {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	data := make([]interface{}, 0, end-start)
	for _, c := range filtered[start:end] {
		data = append(data, c)
	}
	return object{
		"object":   "list",
		"url":      "/v1/customers",
		"has_more": end < len(filtered),
		"data":     data,
	}
}

// searchCustomers understands the single metadata clause the provider sends,
// e.g. metadata['user_id']:'u1'.
func (f *fakeStripe) searchCustomers(query string) object {
	data := []interface{}{}
	key, value, ok := strings.Cut(query, ":")
	key = strings.TrimSuffix(strings.TrimPrefix(key, "metadata['"), "']")
	value = strings.ReplaceAll(strings.Trim(value, "'"), `\'`, "'")
	if ok {
		for _, c := range f.customers {
			if md, _ := c["metadata"].(object); md != nil && md[key] == value {
				data = append(data, c)
			}
		}
	}
	return object{"object": "search_result", "url": "/v1/customers/search", "has_more": false, "next_page": nil, "data": data}
}

func (f *fakeStripe) listSubscriptions(q url.Values) object {
	data := []interface{}{}
	for _, s := range f.subscriptions {
		if c := q.Get("customer"); c != "" && s["customer"] != c {
			continue
		}
		if st := q.Get("status"); st != "all" && st != "" && s["status"] != st {
			continue
		}
		data = append(data, s)
	}
	return object{"object": "list", "url": "/v1/subscriptions", "has_more": false, "data": data}
}

func stripeError(status int, code, msg string) (int, interface{}) {
	return status, object{"error": object{"type": "invalid_request_error", "code": code, "message": msg}}
}

func writeStripeError(w http.ResponseWriter, status int, errType, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(object{"error": object{"type": errType, "code": code, "message": msg}})
}

// recordingRepository is a billing.Repository that remembers every call.
type recordingRepository struct {
	mu           sync.Mutex
	users        map[string]*billing.User
	entitlements map[string]*billing.Entitlement
	customerIDs  map[string]string
	upserts      []*billing.Entitlement
	failUpsert   error
}

func newRecordingRepository() *recordingRepository {
	return &recordingRepository{
		users:        make(map[string]*billing.User),
		entitlements: make(map[string]*billing.Entitlement),
		customerIDs:  make(map[string]string),
	}
}

func (r *recordingRepository) FindUserByID(_ context.Context, userID string) (*billing.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	return u, nil
}

func (r *recordingRepository) UpdateCustomerID(_ context.Context, userID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customerIDs[userID] = customerID
	return nil
}

func (r *recordingRepository) UpsertEntitlement(_ context.Context, ent *billing.Entitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpsert != nil {
		return r.failUpsert
	}
	r.upserts = append(r.upserts, ent)
	r.entitlements[ent.UserID] = ent
	return nil
}

func (r *recordingRepository) GetEntitlement(_ context.Context, userID string) (*billing.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entitlements[userID]
	if !ok {
		return nil, billing.ErrEntitlementNotFound
	}
	return ent, nil
}

func (r *recordingRepository) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

// recordingMetrics counts webhook errors by type.
type recordingMetrics struct {
	billing.NoopMetrics

	mu     sync.Mutex
	errors map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{errors: make(map[string]int)}
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[errorType]++
}

func (m *recordingMetrics) webhookErrors(errorType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[errorType]
}

// newTestProvider wires a provider to the fake API with an in-memory sink.
func newTestProvider(t *testing.T, f *fakeStripe, mutate func(*Config)) (*Provider, *billing.MemorySink) {
	t.Helper()
	sink := billing.NewMemorySink()
	cfg := Config{
		Config: billing.Config{
			APIKey:        testStripeAPIKey,
			WebhookSecret: testStripeWebhookSecret,
			BaseURL:       testBaseURL,
			Sink:          sink,
		},
		APIURL: f.server.URL,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return p, sink
}

// signedRequest builds a webhook request carrying a valid Stripe-Signature header.
func signedRequest(t *testing.T, eventID, eventType string, obj object) *http.Request {
	t.Helper()
	payload, err := json.Marshal(object{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-01-01",
		"data":        object{"object": obj},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.RemoteAddr = "203.0.113.7:5555"
	return req
}
