// Package payments talks to the payment processor: customers, one-time
// charges, subscriptions, and signed webhook events.
package payments

import (
	"context"
	"errors"
	"time"

	"pfw.app/cloud/models"
)

// ErrNotFound is returned when the processor has no charge or subscription
// with the given id.
var ErrNotFound = errors.New("payment not found")

// Gateway is the set of processor operations the licensing flow relies on.
type Gateway interface {
	CreateOrGetCustomer(ctx context.Context, identity models.Customer) (string, error)
	CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (*Checkout, error)
	CreateRecurringCharge(ctx context.Context, req SubscriptionRequest) (*Checkout, error)
	GetChargeStatus(ctx context.Context, chargeID string) (*ChargeStatus, error)
	GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*SubscriptionStatus, error)
}

type ChargeRequest struct {
	AmountCents int64
	Currency    string
	CustomerID  string
	Metadata    map[string]string
}

type SubscriptionRequest struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// Checkout is what a client needs to confirm a payment.
type Checkout struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	CustomerID   string `json:"customerId"`
}

type ChargeStatus struct {
	Succeeded bool
	Customer  models.Customer
	// Plan is the purchase plan recorded in the charge metadata, if any.
	Plan string
}

type SubscriptionStatus struct {
	Active           bool
	Customer         models.Customer
	CurrentPeriodEnd time.Time
}

// Metadata keys attached to charges and subscriptions.
const (
	MetaPlan  = "plan"
	MetaName  = "name"
	MetaEmail = "email"
)

// IdentityMetadata builds the metadata that lets webhook events recover who
// paid for what.
func IdentityMetadata(plan string, customer models.Customer) map[string]string {
	return map[string]string{
		MetaPlan:  plan,
		MetaName:  customer.Name,
		MetaEmail: customer.Email,
	}
}
