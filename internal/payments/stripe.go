package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/models"
)

// Stripe implements Gateway on the Stripe API.
type Stripe struct {
	api *client.API
}

// NewStripe builds a gateway for the given secret key. backends may be nil
// to use Stripe's default endpoints.
func NewStripe(secret string, backends *stripe.Backends) *Stripe {
	return &Stripe{api: client.New(secret, backends)}
}

func (s *Stripe) CreateOrGetCustomer(ctx context.Context, identity models.Customer) (string, error) {
	list := &stripe.CustomerListParams{Email: stripe.String(identity.Email)}
	list.Context = ctx
	list.Limit = stripe.Int64(1)

	iter := s.api.Customers.List(list)
	if iter.Next() {
		existing := iter.Customer()
		logger.Debug("Existing Stripe customer found", map[string]interface{}{
			"stripe_customer_id": existing.ID,
		})
		return existing.ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}

	params := &stripe.CustomerParams{
		Name:  stripe.String(identity.Name),
		Email: stripe.String(identity.Email),
	}
	params.Context = ctx
	if identity.Phone != "" {
		params.Phone = stripe.String(identity.Phone)
	}
	if a := identity.BillingAddress; a != nil {
		params.Address = &stripe.AddressParams{
			Line1:      stripe.String(a.Line1),
			Line2:      stripe.String(a.Line2),
			City:       stripe.String(a.City),
			State:      stripe.String(a.State),
			PostalCode: stripe.String(a.PostalCode),
			Country:    stripe.String(a.Country),
		}
	}

	created, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	logger.Info("Stripe customer created", map[string]interface{}{
		"stripe_customer_id": created.ID,
	})
	return created.ID, nil
}

func (s *Stripe) CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (*Checkout, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		Customer: stripe.String(req.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return &Checkout{ID: pi.ID, ClientSecret: pi.ClientSecret, CustomerID: req.CustomerID}, nil
}

func (s *Stripe) CreateRecurringCharge(ctx context.Context, req SubscriptionRequest) (*Checkout, error) {
	if req.PriceID == "" {
		return nil, errors.New("no annual price configured")
	}

	params := &stripe.SubscriptionParams{
		Customer:        stripe.String(req.CustomerID),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(req.PriceID)}},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.Context = ctx
	params.AddExpand("latest_invoice.confirmation_secret")
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := s.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	checkout := &Checkout{ID: sub.ID, CustomerID: req.CustomerID}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		checkout.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return checkout, nil
}

func (s *Stripe) GetChargeStatus(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("customer")

	pi, err := s.api.PaymentIntents.Get(chargeID, params)
	if err != nil {
		return nil, classify(err, "payment intent")
	}

	status := &ChargeStatus{
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Customer:  identityFrom(pi.Metadata, pi.Customer),
		Plan:      pi.Metadata[MetaPlan],
	}
	if status.Customer.Email == "" {
		status.Customer.Email = pi.ReceiptEmail
	}
	return status, nil
}

func (s *Stripe) GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*SubscriptionStatus, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")

	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, classify(err, "subscription")
	}

	status := &SubscriptionStatus{
		Active:   sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing,
		Customer: identityFrom(sub.Metadata, sub.Customer),
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		status.CurrentPeriodEnd = time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	}
	return status, nil
}

// identityFrom prefers the metadata written at checkout and falls back to
// the expanded customer object.
func identityFrom(meta map[string]string, customer *stripe.Customer) models.Customer {
	identity := models.Customer{Name: meta[MetaName], Email: meta[MetaEmail]}
	if customer != nil {
		if identity.Name == "" {
			identity.Name = customer.Name
		}
		if identity.Email == "" {
			identity.Email = customer.Email
		}
	}
	return identity
}

func classify(err error, what string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) &&
		(stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to retrieve %s: %w", what, err)
}
