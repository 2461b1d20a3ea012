package stripe

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subflow/pkg/billing"
)

func TestCreateCheckoutSession_Success(t *testing.T) {
	f := newFakeStripe(t)
	p, _ := newTestProvider(t, f, nil)

	session, err := p.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{
		PriceID:       testPriceID,
		CustomerEmail: "buyer@example.com",
		UserID:        testUserID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Contains(t, session.RedirectURL, session.SessionID)

	forms := f.formsFor(http.MethodPost, "/checkout/sessions")
	require.Len(t, forms, 1)
	form := forms[0]
	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, testPriceID, form.Get("line_items[0][price]"))
	assert.Equal(t, "1", form.Get("line_items[0][quantity]"))
	assert.Equal(t, testBaseURL+"/subscription/success?session_id={CHECKOUT_SESSION_ID}", form.Get("success_url"))
	assert.Equal(t, testBaseURL+"/subscription/canceled", form.Get("cancel_url"))
	assert.Equal(t, "buyer@example.com", form.Get("customer_email"))
	assert.Equal(t, testUserID, form.Get("metadata[user_id]"))
	assert.Equal(t, testUserID, form.Get("subscription_data[metadata][user_id]"))
}

func TestCreateCheckoutSession_Validation(t *testing.T) {
	f := newFakeStripe(t)
	ctx := context.Background()

	t.Run("missing price", func(t *testing.T) {
		p, _ := newTestProvider(t, f, nil)
		_, err := p.CreateCheckoutSession(ctx, billing.CheckoutRequest{})
		assert.True(t, errors.Is(err, billing.ErrInvalidArgument))
	})

	t.Run("missing base URL", func(t *testing.T) {
		p, _ := newTestProvider(t, f, func(c *Config) { c.BaseURL = "" })
		_, err := p.CreateCheckoutSession(ctx, billing.CheckoutRequest{PriceID: testPriceID})
		assert.True(t, errors.Is(err, billing.ErrConfiguration))
	})

	assert.Equal(t, 0, f.count(http.MethodPost, "/checkout/sessions"))
}

func TestCreateCheckoutSession_IdempotencyKey(t *testing.T) {
	f := newFakeStripe(t)
	p, _ := newTestProvider(t, f, nil)
	ctx := context.Background()

	req := billing.CheckoutRequest{
		PriceID:        testPriceID,
		CustomerEmail:  "buyer@example.com",
		IdempotencyKey: "checkout-abc",
	}

	first, err := p.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	second, err := p.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.idsIssued(), "exactly one session should have been created")
}

func TestCreateCheckoutSession_ConcurrentSameKey(t *testing.T) {
	f := newFakeStripe(t)
	p, _ := newTestProvider(t, f, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.CreateCheckoutSession(ctx, billing.CheckoutRequest{
				PriceID:        testPriceID,
				IdempotencyKey: "same-key",
			})
			if err == nil {
				ids[i] = s.SessionID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.idsIssued())
}

func TestCreateCheckoutSession_CancelledCallerDoesNotAbortSharedRequest(t *testing.T) {
	f := newFakeStripe(t)
	p, _ := newTestProvider(t, f, nil)
	arrived, release := f.holdRequests()

	req := billing.CheckoutRequest{PriceID: testPriceID, IdempotencyKey: "shared-key"}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.CreateCheckoutSession(firstCtx, req)
		firstErr <- err
	}()
	<-arrived

	type result struct {
		session *billing.CheckoutSession
		err     error
	}
	second := make(chan result, 1)
	go func() {
		s, err := p.CreateCheckoutSession(context.Background(), req)
		second <- result{s, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	release()
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.NotEmpty(t, res.session.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, f.idsIssued())
}

func TestCreateCheckoutSession_UpstreamError(t *testing.T) {
	f := newFakeStripe(t)
	f.fail(http.StatusInternalServerError)
	p, _ := newTestProvider(t, f, nil)

	_, err := p.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{PriceID: testPriceID})
	assert.True(t, errors.Is(err, billing.ErrUpstreamProvider))
}

func TestRetrieveCheckoutSession(t *testing.T) {
	f := newFakeStripe(t)
	p, _ := newTestProvider(t, f, nil)

	summary, err := p.RetrieveCheckoutSession(context.Background(), "cs_test_42")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_42", summary.SessionID)
	assert.Equal(t, "complete", summary.Status)
	assert.Equal(t, "buyer@example.com", summary.CustomerEmail)
	assert.Equal(t, testSubscriptionID, summary.SubscriptionID)
	assert.Equal(t, "active", summary.SubscriptionStatus)

	_, err = p.RetrieveCheckoutSession(context.Background(), " ")
	assert.True(t, errors.Is(err, billing.ErrInvalidArgument))
}
