package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfw.app/cloud/handlers"
	"pfw.app/cloud/internal/config"
	"pfw.app/cloud/internal/testutil"
	"pfw.app/cloud/internal/token"
	"pfw.app/cloud/models"
	"pfw.app/cloud/storage"
)

// Integration tests that run complete workflows through the wired server.

type harness struct {
	server  *handlers.Server
	clock   *testutil.Clock
	gateway *testutil.FakeGateway
	store   storage.Store
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                "8080",
		StripeSecret:        "sk_test_123",
		StripeWebhookSecret: testutil.WebhookSecret,
		StripeAnnualPriceID: "price_annual",
		LifetimePriceCents:  2900,
		Currency:            "usd",
		LicenseSecret:       "integration-license-secret",
		TrialDays:           3,
		CORSOrigins:         []string{"*"},
		RateLimit: config.RateLimit{
			Requests: 100,
			Window:   time.Minute,
		},
		Development: true,
	}
}

var storageURLs = map[string]func(t *testing.T) string{
	"memory": func(t *testing.T) string { return "memory://" },
	"sqlite": func(t *testing.T) string { return "sqlite://" + filepath.Join(t.TempDir(), "pfw.db") },
	"redis":  func(t *testing.T) string { return "redis://" + miniredis.RunT(t).Addr() },
}

func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, storageURL := range storageURLs {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open(context.Background(), storageURL(t))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })

			clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			gateway := testutil.NewFakeGateway()
			server, err := newServer(testConfig(), store, gateway, clock.Now)
			require.NoError(t, err)

			fn(t, &harness{server: server, clock: clock, gateway: gateway, store: store})
		})
	}
}

func (h *harness) call(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "body: %s", w.Body.String())
	return w.Code, resp
}

func (h *harness) webhook(t *testing.T, eventID, eventType string, object map[string]interface{}) int {
	t.Helper()

	payload := testutil.CreateStripeWebhookPayload(eventID, eventType, object)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", testutil.SignWebhook(payload, testutil.WebhookSecret))
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	return w.Code
}

func TestFullWorkflow_TrialExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		status, started := h.call(t, http.MethodPost, "/trial/start", nil)
		require.Equal(t, http.StatusOK, status)
		statusPath := "/trial/status?trialToken=" + url.QueryEscape(started["trialToken"].(string))

		status, resp := h.call(t, http.MethodGet, statusPath, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(3*86400), resp["secondsLeft"])
		assert.Equal(t, false, resp["expired"])

		h.clock.Advance(3*24*time.Hour + time.Second)

		status, resp = h.call(t, http.MethodGet, statusPath, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(0), resp["secondsLeft"])
		assert.Equal(t, true, resp["expired"])
	})
}

func TestFullWorkflow_LifetimePurchaseToRedeem(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		status, created := h.call(t, http.MethodPost, "/payments/create", map[string]string{
			"plan":  "lifetime",
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
		})
		require.Equal(t, http.StatusOK, status)
		paymentIntentID := created["paymentIntentId"].(string)
		require.NotEmpty(t, created["clientSecret"])

		// Not yet settled.
		h.gateway.AddCharge(paymentIntentID, false, "lifetime", testutil.TestCustomer())
		status, resp := h.call(t, http.MethodPost, "/payments/license", map[string]string{
			"plan":            "lifetime",
			"paymentIntentId": paymentIntentID,
		})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "payment not verified", resp["error"])

		h.gateway.AddCharge(paymentIntentID, true, "lifetime", testutil.TestCustomer())
		status, issued := h.call(t, http.MethodPost, "/payments/license", map[string]string{
			"plan":            "lifetime",
			"paymentIntentId": paymentIntentID,
		})
		require.Equal(t, http.StatusOK, status)
		key := issued["licenseKey"].(string)
		assert.Regexp(t, `^PFW-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, key)

		meta := issued["licenseMeta"].(map[string]interface{})
		assert.Equal(t, "pro-lifetime", meta["plan"])
		assert.Equal(t, true, meta["isDevelopment"])

		status, redeemed := h.call(t, http.MethodPost, "/license/redeem", map[string]string{"licenseKey": key})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, issued["fullToken"], redeemed["fullToken"])

		codec, err := token.New(testConfig().LicenseSecret, token.WithClock(h.clock.Now))
		require.NoError(t, err)
		payload, err := codec.VerifyLicense(redeemed["fullToken"].(string))
		require.NoError(t, err)
		assert.Equal(t, models.PlanLifetime, payload.Plan)
		assert.Nil(t, payload.ExpiresAt)

		status, verified := h.call(t, http.MethodPost, "/license/verify", map[string]string{"licenseKey": key})
		require.Equal(t, http.StatusOK, status)
		license := verified["license"].(map[string]interface{})
		assert.Equal(t, "ada@example.com", license["email"])
		assert.Nil(t, license["expiresAt"])

		// The webhook for the same payment arrives afterwards.
		require.Equal(t, http.StatusOK, h.webhook(t, "evt_pi", "payment_intent.succeeded",
			testutil.PaymentIntentSucceeded(paymentIntentID, "lifetime", testutil.TestCustomer())))

		rec, err := h.store.GetByPaymentIntent(context.Background(), paymentIntentID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, key, rec.Key)
	})
}

func TestFullWorkflow_SubscriptionWebhooks(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		invoice := testutil.InvoicePaid("sub_1", testutil.TestCustomer())

		require.Equal(t, http.StatusOK, h.webhook(t, "evt_1", "invoice.paid", invoice))
		require.Equal(t, http.StatusOK, h.webhook(t, "evt_1", "invoice.paid", invoice))

		rec, err := h.store.GetBySubscription(ctx, "sub_1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		key := rec.Key

		// A replayed invoice must not mint a second license.
		status, issued := h.call(t, http.MethodPost, "/payments/license", map[string]string{
			"plan":           "annual",
			"subscriptionId": "sub_1",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, key, issued["licenseKey"])

		renewed := h.clock.Now().Add(2 * 365 * 24 * time.Hour)
		require.Equal(t, http.StatusOK, h.webhook(t, "evt_2", "customer.subscription.updated",
			testutil.Subscription("sub_1", "active", renewed)))

		// Past the first term, inside the renewed one.
		h.clock.Advance(400 * 24 * time.Hour)
		status, verified := h.call(t, http.MethodPost, "/license/verify", map[string]string{"licenseKey": key})
		require.Equal(t, http.StatusOK, status)
		license := verified["license"].(map[string]interface{})
		assert.Equal(t, renewed.Format(time.RFC3339), license["expiresAt"])

		require.Equal(t, http.StatusOK, h.webhook(t, "evt_3", "customer.subscription.deleted",
			testutil.Subscription("sub_1", "canceled", renewed)))

		h.clock.Advance(time.Second)
		status, resp := h.call(t, http.MethodPost, "/license/verify", map[string]string{"licenseKey": key})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid or expired license", resp["error"])

		status, _ = h.call(t, http.MethodPost, "/license/redeem", map[string]string{"licenseKey": key})
		assert.Equal(t, http.StatusBadRequest, status)

		// A renewal delivered after the cancellation leaves the license revoked.
		require.Equal(t, http.StatusOK, h.webhook(t, "evt_4", "customer.subscription.updated",
			testutil.Subscription("sub_1", "active", renewed.Add(365*24*time.Hour))))
		status, _ = h.call(t, http.MethodPost, "/license/redeem", map[string]string{"licenseKey": key})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}
