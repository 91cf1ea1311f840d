package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/models"
)

const WebhookSecret = "whsec_test"

// Clock is a settable time source shared between a codec and a service.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// FakeGateway is an in-memory payments.Gateway. Charges and subscriptions
// must be registered before their status can be queried.
type FakeGateway struct {
	mu            sync.Mutex
	Charges       map[string]payments.ChargeStatus
	Subscriptions map[string]payments.SubscriptionStatus
	Customers     map[string]string
	Created       []payments.Checkout
	// Err, when set, is returned from every call.
	Err   error
	Calls int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Charges:       make(map[string]payments.ChargeStatus),
		Subscriptions: make(map[string]payments.SubscriptionStatus),
		Customers:     make(map[string]string),
	}
}

func (g *FakeGateway) AddCharge(id string, succeeded bool, plan string, customer models.Customer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges[id] = payments.ChargeStatus{Succeeded: succeeded, Customer: customer, Plan: plan}
}

func (g *FakeGateway) AddSubscription(id string, active bool, periodEnd time.Time, customer models.Customer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subscriptions[id] = payments.SubscriptionStatus{Active: active, Customer: customer, CurrentPeriodEnd: periodEnd}
}

func (g *FakeGateway) CreateOrGetCustomer(ctx context.Context, identity models.Customer) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return "", g.Err
	}
	if id, ok := g.Customers[identity.Email]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cus_%d", len(g.Customers)+1)
	g.Customers[identity.Email] = id
	return id, nil
}

func (g *FakeGateway) CreateOneTimeCharge(ctx context.Context, req payments.ChargeRequest) (*payments.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	checkout := payments.Checkout{
		ID:           fmt.Sprintf("pi_fake_%d", len(g.Created)+1),
		ClientSecret: "pi_secret_fake",
		CustomerID:   req.CustomerID,
	}
	g.Created = append(g.Created, checkout)
	return &checkout, nil
}

func (g *FakeGateway) CreateRecurringCharge(ctx context.Context, req payments.SubscriptionRequest) (*payments.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	checkout := payments.Checkout{
		ID:           fmt.Sprintf("sub_fake_%d", len(g.Created)+1),
		ClientSecret: "in_secret_fake",
		CustomerID:   req.CustomerID,
	}
	g.Created = append(g.Created, checkout)
	return &checkout, nil
}

func (g *FakeGateway) GetChargeStatus(ctx context.Context, chargeID string) (*payments.ChargeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	status, ok := g.Charges[chargeID]
	if !ok {
		return nil, fmt.Errorf("payment intent: %w", payments.ErrNotFound)
	}
	return &status, nil
}

func (g *FakeGateway) GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*payments.SubscriptionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	status, ok := g.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription: %w", payments.ErrNotFound)
	}
	return &status, nil
}

// CreateStripeWebhookPayload wraps object in a Stripe event envelope.
func CreateStripeWebhookPayload(eventID, eventType string, object map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data": map[string]interface{}{
			"object": object,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// SignWebhook returns the Stripe-Signature header for payload.
func SignWebhook(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	return signed.Header
}

func PaymentIntentSucceeded(id, plan string, customer models.Customer) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"object": "payment_intent",
		"status": "succeeded",
		"metadata": map[string]string{
			payments.MetaPlan:  plan,
			payments.MetaName:  customer.Name,
			payments.MetaEmail: customer.Email,
		},
	}
}

func InvoicePaid(subscriptionID string, customer models.Customer) map[string]interface{} {
	return map[string]interface{}{
		"id":             "in_" + subscriptionID,
		"object":         "invoice",
		"customer_email": customer.Email,
		"customer_name":  customer.Name,
		"parent": map[string]interface{}{
			"type": "subscription_details",
			"subscription_details": map[string]interface{}{
				"subscription": subscriptionID,
				"metadata":     map[string]string{payments.MetaPlan: models.PurchaseAnnual},
			},
		},
	}
}

func Subscription(id, status string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"object": "subscription",
		"status": status,
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"id": "si_" + id, "object": "subscription_item", "current_period_end": periodEnd.Unix()},
			},
		},
	}
}

// TestCustomer returns a purchaser identity for fixtures.
func TestCustomer() models.Customer {
	return models.Customer{Name: "Ada Lovelace", Email: "ada@example.com"}
}
