package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subflow/pkg/billing"
	"github.com/mihaimyh/subflow/pkg/config"
	"github.com/mihaimyh/subflow/storage/firestore"
	redisstore "github.com/mihaimyh/subflow/storage/redis"
	"github.com/mihaimyh/subflow/storage/tiered"
)

const testWebhookSecret = "whsec_app_test"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StripeSecretKey:     "sk_test_app",
		StripeWebhookSecret: testWebhookSecret,
		Domain:              "https://app.example.com",
		WebhookTolerance:    5 * time.Minute,
		HandlerTimeout:      5 * time.Second,
		EventSink:           config.SinkFile,
		EventLogPath:        filepath.Join(t.TempDir(), "logs", "webhook-events.log"),
		Store:               config.StoreMemory,
	}
}

func newTestContainer(t *testing.T, cfg *config.Config) *Container {
	t.Helper()
	c, err := NewContainer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func subscriptionEvent(t *testing.T, eventID, userID, status string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        "customer.subscription.updated",
		"created":     time.Now().Unix(),
		"api_version": "2025-01-01",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "sub_1",
				"object":   "subscription",
				"status":   status,
				"customer": "cus_1",
				"metadata": map[string]string{"user_id": userID},
				"items": map[string]interface{}{
					"object": "list",
					"data": []interface{}{
						map[string]interface{}{"id": "si_1", "object": "subscription_item", "price": map[string]string{"id": "price_pro", "object": "price"}},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewContainer_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.StripeSecretKey = ""

	_, err := NewContainer(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func TestContainer_WebhookToEntitlement(t *testing.T) {
	cfg := testConfig(t)
	c := newTestContainer(t, cfg)
	router := c.Router()

	w := serve(router, subscriptionEvent(t, "evt_1", "user_1", "active"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The event line lands in the configured log file
	data, err := os.ReadFile(cfg.EventLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "customer.subscription.updated - evt_1 - cus_1")

	w = serve(router, httptest.NewRequest(http.MethodGet, "/entitlements/user_1", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ent billing.Entitlement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ent))
	assert.True(t, ent.Active)
	assert.Equal(t, "price_pro", ent.PriceID)

	// A redelivery is acknowledged and logged but not applied again
	w = serve(router, subscriptionEvent(t, "evt_1", "user_1", "active"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/logs", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, strings.Count(w.Body.String(), "\n"))
}

func TestContainer_Metrics(t *testing.T) {
	c := newTestContainer(t, testConfig(t))
	router := c.Router()

	require.Equal(t, http.StatusOK, serve(router, subscriptionEvent(t, "evt_m", "user_1", "trialing")).Code)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), "subflow_billing_webhook_events_total")
}

func TestContainer_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.EventSink = config.SinkRedis
	cfg.Store = config.StoreRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	c := newTestContainer(t, cfg)
	router := c.Router()

	require.Equal(t, http.StatusOK, serve(router, subscriptionEvent(t, "evt_r", "user_r", "active")).Code)

	content, err := c.Sink.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, content, "evt_r")

	ent, err := c.Repository.GetEntitlement(context.Background(), "user_r")
	require.NoError(t, err)
	assert.True(t, ent.Active)
}

func TestContainer_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "subflow.db")

	c := newTestContainer(t, cfg)
	require.Equal(t, http.StatusOK, serve(c.Router(), subscriptionEvent(t, "evt_s", "user_s", "canceled")).Code)

	ent, err := c.Repository.GetEntitlement(context.Background(), "user_s")
	require.NoError(t, err)
	assert.False(t, ent.Active)
	assert.Equal(t, "canceled", ent.Status)
}

func TestContainer_SQLiteWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "subflow.db")
	cfg.Cache = config.CacheRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	c, err := NewContainer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &tiered.Storage{}, c.Repository)

	require.Equal(t, http.StatusOK, serve(c.Router(), subscriptionEvent(t, "evt_c", "user_c", "active")).Code)

	// Close drains pending cache writes
	require.NoError(t, c.Close())

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache, err := redisstore.New(client, redisstore.DefaultConfig())
	require.NoError(t, err)

	ent, err := cache.GetEntitlement(context.Background(), "user_c")
	require.NoError(t, err)
	assert.True(t, ent.Active)
}

func TestContainer_FirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping test: FIRESTORE_EMULATOR_HOST is not set")
	}

	cfg := testConfig(t)
	cfg.Store = config.StoreFirestore
	cfg.FirestoreProjectID = "subflow-test"

	c := newTestContainer(t, cfg)
	assert.IsType(t, &firestore.Storage{}, c.Repository)

	userID := fmt.Sprintf("user_f_%d", time.Now().UnixNano())
	require.Equal(t, http.StatusOK, serve(c.Router(), subscriptionEvent(t, "evt_"+userID, userID, "active")).Code)

	ent, err := c.Repository.GetEntitlement(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ent.Active)
}

func TestOpenSink(t *testing.T) {
	cfg := testConfig(t)

	sink, closeSink, err := OpenSink(cfg)
	require.NoError(t, err)
	defer closeSink()

	_, err = sink.ReadAll(context.Background())
	assert.ErrorIs(t, err, billing.ErrNotFound)

	cfg.EventSink = config.SinkRedis
	cfg.RedisURL = "not a url"
	_, _, err = OpenSink(cfg)
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("DEBUG").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, NewLogger("warn").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("loud").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("").GetLevel())
}
