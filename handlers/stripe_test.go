package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pfw.app/cloud/internal/testutil"
)

func (ts *testServer) webhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func (ts *testServer) signedWebhook(t *testing.T, eventID, eventType string, object map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload := testutil.CreateStripeWebhookPayload(eventID, eventType, object)
	return ts.webhook(t, payload, testutil.SignWebhook(payload, testutil.WebhookSecret))
}

func expectReceived(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp WebhookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received {
		t.Error("Expected received=true")
	}
}

func TestStripeWebhook_SignatureRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := testutil.CreateStripeWebhookPayload("evt_1", "payment_intent.succeeded",
		testutil.PaymentIntentSucceeded("pi_123", "lifetime", testutil.TestCustomer()))

	tests := []struct {
		name      string
		signature string
	}{
		{"missing signature", ""},
		{"wrong secret", testutil.SignWebhook(payload, "whsec_other")},
		{"garbage header", "t=1,v1=deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, ts.webhook(t, payload, tt.signature), http.StatusBadRequest, "invalid signature")
		})
	}

	if ts.store.Len() != 0 {
		t.Errorf("Expected no licenses from unsigned events, got %d", ts.store.Len())
	}
}

func TestStripeWebhook_PayloadTooLarge(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := []byte(`{"padding":"` + strings.Repeat("a", int(MaxBodyBytes)) + `"}`)

	w := ts.webhook(t, payload, testutil.SignWebhook(payload, testutil.WebhookSecret))
	expectError(t, w, http.StatusRequestEntityTooLarge, "payload too large")
}

func TestStripeWebhook_LifetimeChargeIsIdempotent(t *testing.T) {
	ts := newTestServer(t, nil)
	charge := testutil.PaymentIntentSucceeded("pi_123", "lifetime", testutil.TestCustomer())

	expectReceived(t, ts.signedWebhook(t, "evt_1", "payment_intent.succeeded", charge))
	expectReceived(t, ts.signedWebhook(t, "evt_1", "payment_intent.succeeded", charge))

	if ts.store.Len() != 1 {
		t.Fatalf("Expected 1 license after replay, got %d", ts.store.Len())
	}
	rec, err := ts.store.GetByPaymentIntent(context.Background(), "pi_123")
	if err != nil || rec == nil {
		t.Fatalf("Expected license for pi_123, got %v, %v", rec, err)
	}
	if rec.License.Email != "ada@example.com" {
		t.Errorf("Expected email ada@example.com, got %s", rec.License.Email)
	}

	// The synchronous path sees the webhook's license.
	issued := issueLifetime(t, ts, "pi_123")
	if issued["licenseKey"] != rec.Key {
		t.Errorf("Expected sync issuance to return %s, got %v", rec.Key, issued["licenseKey"])
	}
}

func TestStripeWebhook_UnhandledEventAcknowledged(t *testing.T) {
	ts := newTestServer(t, nil)

	expectReceived(t, ts.signedWebhook(t, "evt_1", "customer.created", map[string]interface{}{
		"id":     "cus_1",
		"object": "customer",
	}))
	expectReceived(t, ts.signedWebhook(t, "evt_2", "payment_intent.succeeded",
		testutil.PaymentIntentSucceeded("pi_annual", "annual", testutil.TestCustomer())))

	if ts.store.Len() != 0 {
		t.Errorf("Expected no licenses, got %d", ts.store.Len())
	}
}

func TestStripeWebhook_MalformedVerifiedEventAcknowledged(t *testing.T) {
	ts := newTestServer(t, nil)

	expectReceived(t, ts.signedWebhook(t, "evt_1", "invoice.paid", map[string]interface{}{
		"id":             "in_1",
		"object":         "invoice",
		"customer_email": 42,
	}))

	if ts.store.Len() != 0 {
		t.Errorf("Expected no licenses, got %d", ts.store.Len())
	}
	metricsOut := ts.do(t, http.MethodGet, "/metrics", nil).Body.String()
	if !strings.Contains(metricsOut, `pfw_webhook_events_total{kind="unhandled",outcome="malformed"} 1`) {
		t.Error("Expected malformed webhook event to be counted")
	}
}

func TestStripeWebhook_SubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	expectReceived(t, ts.signedWebhook(t, "evt_1", "invoice.paid", testutil.InvoicePaid("sub_1", testutil.TestCustomer())))

	rec, err := ts.store.GetBySubscription(ctx, "sub_1")
	if err != nil || rec == nil {
		t.Fatalf("Expected license for sub_1, got %v, %v", rec, err)
	}
	if rec.License.ExpiresAt == nil || !rec.License.ExpiresAt.Equal(epoch.Add(365*24*time.Hour)) {
		t.Errorf("Expected expiry one year out, got %v", rec.License.ExpiresAt)
	}

	renewed := epoch.Add(2 * 365 * 24 * time.Hour)
	expectReceived(t, ts.signedWebhook(t, "evt_2", "customer.subscription.updated",
		testutil.Subscription("sub_1", "active", renewed)))

	rec, _ = ts.store.GetBySubscription(ctx, "sub_1")
	if !rec.License.ExpiresAt.Equal(renewed) {
		t.Errorf("Expected expiry %v after renewal, got %v", renewed, rec.License.ExpiresAt)
	}

	w := ts.do(t, http.MethodPost, "/license/verify", LicenseRequest{LicenseKey: rec.Key})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected renewed license to verify, got %d: %s", w.Code, w.Body.String())
	}

	expectReceived(t, ts.signedWebhook(t, "evt_3", "customer.subscription.deleted",
		testutil.Subscription("sub_1", "canceled", renewed)))

	ts.clock.Advance(time.Second)
	w = ts.do(t, http.MethodPost, "/license/verify", LicenseRequest{LicenseKey: rec.Key})
	expectError(t, w, http.StatusBadRequest, msgInvalidLicense)

	if ts.store.Len() != 1 {
		t.Errorf("Expected revoked record to be kept, got %d records", ts.store.Len())
	}
}

func TestStripeWebhook_UpdateWithoutLicenseIsNoop(t *testing.T) {
	ts := newTestServer(t, nil)

	expectReceived(t, ts.signedWebhook(t, "evt_1", "customer.subscription.updated",
		testutil.Subscription("sub_unknown", "active", epoch.Add(24*time.Hour))))

	if ts.store.Len() != 0 {
		t.Errorf("Expected no license to be created, got %d", ts.store.Len())
	}
}
