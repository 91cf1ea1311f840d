package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"pfw.app/cloud/models"
)

// fakeStripe serves the handful of API routes the gateway calls.
type fakeStripe struct {
	mu        sync.Mutex
	customers []map[string]interface{}
	created   int
	forms     map[string]string
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/customers":
		email := r.URL.Query().Get("email")
		data := []map[string]interface{}{}
		for _, c := range f.customers {
			if c["email"] == email {
				data = append(data, c)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list", "url": "/v1/customers", "has_more": false, "data": data,
		})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/customers":
		_ = r.ParseForm()
		f.created++
		c := map[string]interface{}{
			"id": "cus_new", "object": "customer",
			"email": r.PostForm.Get("email"), "name": r.PostForm.Get("name"),
		}
		f.customers = append(f.customers, c)
		writeJSON(w, http.StatusOK, c)

	case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
		_ = r.ParseForm()
		f.forms = map[string]string{}
		for k := range r.PostForm {
			f.forms[k] = r.PostForm.Get(k)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "pi_new", "object": "payment_intent", "client_secret": "pi_new_secret_abc",
		})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_ok":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "pi_ok", "object": "payment_intent", "status": "succeeded",
			"metadata": map[string]string{"plan": "lifetime", "name": "Ada Lovelace", "email": "ada@example.com"},
		})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_pending":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "pi_pending", "object": "payment_intent", "status": "requires_payment_method",
			"metadata": map[string]string{"plan": "lifetime"},
		})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions/sub_ok":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "sub_ok", "object": "subscription", "status": "active",
			"metadata": map[string]string{"plan": "annual", "name": "Ada Lovelace", "email": "ada@example.com"},
			"items": map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{"id": "si_1", "object": "subscription_item", "current_period_end": 1893456000},
				},
			},
		})

	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{
				"type":    "invalid_request_error",
				"code":    "resource_missing",
				"message": "No such object",
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestGateway(t *testing.T) (*Stripe, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewStripe("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}), fake
}

func TestCreateOrGetCustomerIsIdempotentByEmail(t *testing.T) {
	gw, fake := newTestGateway(t)
	ctx := context.Background()
	identity := models.Customer{Name: "Ada Lovelace", Email: "ada@example.com"}

	first, err := gw.CreateOrGetCustomer(ctx, identity)
	require.NoError(t, err)
	second, err := gw.CreateOrGetCustomer(ctx, identity)
	require.NoError(t, err)

	assert.Equal(t, "cus_new", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.created)
}

func TestCreateOneTimeCharge(t *testing.T) {
	gw, fake := newTestGateway(t)

	checkout, err := gw.CreateOneTimeCharge(context.Background(), ChargeRequest{
		AmountCents: 2900,
		Currency:    "usd",
		CustomerID:  "cus_new",
		Metadata:    IdentityMetadata(models.PurchaseLifetime, models.Customer{Name: "Ada", Email: "ada@example.com"}),
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_new", checkout.ID)
	assert.Equal(t, "pi_new_secret_abc", checkout.ClientSecret)
	assert.Equal(t, "2900", fake.forms["amount"])
	assert.Equal(t, "lifetime", fake.forms["metadata[plan]"])
	assert.Equal(t, "true", fake.forms["automatic_payment_methods[enabled]"])
}

func TestCreateRecurringChargeRequiresPrice(t *testing.T) {
	gw, _ := newTestGateway(t)

	_, err := gw.CreateRecurringCharge(context.Background(), SubscriptionRequest{CustomerID: "cus_new"})
	assert.Error(t, err)
}

func TestGetChargeStatus(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	ok, err := gw.GetChargeStatus(ctx, "pi_ok")
	require.NoError(t, err)
	assert.True(t, ok.Succeeded)
	assert.Equal(t, "lifetime", ok.Plan)
	assert.Equal(t, "ada@example.com", ok.Customer.Email)

	pending, err := gw.GetChargeStatus(ctx, "pi_pending")
	require.NoError(t, err)
	assert.False(t, pending.Succeeded)

	_, err = gw.GetChargeStatus(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSubscriptionStatus(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	status, err := gw.GetSubscriptionStatus(ctx, "sub_ok")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, "Ada Lovelace", status.Customer.Name)
	assert.True(t, time.Unix(1893456000, 0).Equal(status.CurrentPeriodEnd))

	_, err = gw.GetSubscriptionStatus(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
