package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subflow/pkg/billing"
	"github.com/mihaimyh/subflow/storage/file"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLogsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook.log")
	t.Setenv("EVENT_SINK", "file")
	t.Setenv("EVENT_LOG_PATH", path)
	t.Setenv("LOG_LEVEL", "error")

	_, err := runCmd(t, "logs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no webhook events recorded yet")

	sink := file.New(path)
	record := billing.EventRecord{
		Timestamp:  time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		EventType:  "invoice.paid",
		EventID:    "evt_1",
		CustomerID: "cus_1",
	}
	require.NoError(t, sink.Append(context.Background(), record))

	out, err := runCmd(t, "logs")
	require.NoError(t, err)
	assert.Equal(t, record.Line(), out)

	out, err = runCmd(t, "logs", "--json")
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "evt_1", parsed["eventId"])
	assert.Equal(t, "cus_1", parsed["customerId"])
}

func newCustomerAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/customers" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown route"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"url": "/v1/customers",
			"has_more": false,
			"data": [
				{"id": "cus_1", "object": "customer", "email": "a@example.com", "name": "Ann", "created": 1754049600, "metadata": {"user_id": "user-1"}},
				{"id": "cus_2", "object": "customer", "email": "b@example.com", "created": 0, "metadata": {}}
			]
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCustomersExport(t *testing.T) {
	srv := newCustomerAPI(t)
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_API_URL", srv.URL)
	t.Setenv("LOG_LEVEL", "error")

	t.Run("json", func(t *testing.T) {
		out, err := runCmd(t, "customers", "export")
		require.NoError(t, err)

		var customers []billing.Customer
		require.NoError(t, json.Unmarshal([]byte(out), &customers))
		require.Len(t, customers, 2)
		assert.Equal(t, "cus_1", customers[0].ID)
		assert.Equal(t, "user-1", customers[0].Metadata["user_id"])
	})

	t.Run("csv", func(t *testing.T) {
		out, err := runCmd(t, "customers", "export", "--format", "csv")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "id,email,name,created,user_id", lines[0])
		assert.Equal(t, "cus_1,a@example.com,Ann,2025-08-01T12:00:00Z,user-1", lines[1])
		assert.Equal(t, "cus_2,b@example.com,,,", lines[2])
	})

	t.Run("max", func(t *testing.T) {
		out, err := runCmd(t, "customers", "export", "--max", "1")
		require.NoError(t, err)

		var customers []billing.Customer
		require.NoError(t, json.Unmarshal([]byte(out), &customers))
		assert.Len(t, customers, 1)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := runCmd(t, "customers", "export", "--format", "xml")
		assert.ErrorIs(t, err, billing.ErrInvalidArgument)
	})
}

func TestCustomersExportRequiresKey(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("LOG_LEVEL", "error")

	_, err := runCmd(t, "customers", "export")
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func newSubscriptionAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/customers/search":
			_, _ = w.Write([]byte(`{
				"object": "search_result",
				"url": "/v1/customers/search",
				"has_more": false,
				"data": [{"id": "cus_9", "object": "customer", "metadata": {"user_id": "user-9"}}]
			}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
			assert.Equal(t, "cus_9", r.URL.Query().Get("customer"))
			_, _ = w.Write([]byte(`{
				"object": "list",
				"url": "/v1/subscriptions",
				"has_more": false,
				"data": [{"id": "sub_9", "object": "subscription", "status": "active", "customer": "cus_9", "created": 1754049600}]
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown route"}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncCommand(t *testing.T) {
	srv := newSubscriptionAPI(t)
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("STRIPE_API_URL", srv.URL)
	t.Setenv("EVENT_SINK", "memory")
	t.Setenv("STORE", "memory")
	t.Setenv("CACHE", "")
	t.Setenv("LOG_LEVEL", "error")

	out, err := runCmd(t, "sync", "user-9")
	require.NoError(t, err)

	var ent billing.Entitlement
	require.NoError(t, json.Unmarshal([]byte(out), &ent))
	assert.Equal(t, "user-9", ent.UserID)
	assert.Equal(t, "cus_9", ent.CustomerID)
	assert.Equal(t, "sub_9", ent.SubscriptionID)
	assert.True(t, ent.Active)

	_, err = runCmd(t, "sync")
	assert.Error(t, err)
}
