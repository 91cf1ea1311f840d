package licensing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/models"
	"pfw.app/cloud/storage"
)

const (
	annualTerm     = 365 * day
	maxKeyAttempts = 5
)

// Sources recorded on issued licenses.
const (
	SourceSync    = "sync"
	SourceWebhook = "webhook"
)

type PaymentRequest struct {
	Plan     string
	Customer models.Customer
}

type PaymentResult struct {
	Plan     models.Plan
	Checkout *payments.Checkout
}

// CreatePayment registers the customer and opens a one-time charge for the
// lifetime plan or a subscription for the annual plan.
func (s *Service) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	plan, err := models.ParsePurchasePlan(req.Plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if strings.TrimSpace(req.Customer.Name) == "" || strings.TrimSpace(req.Customer.Email) == "" {
		return nil, fmt.Errorf("%w: name and email are required", ErrValidation)
	}

	customerID, err := s.gateway.CreateOrGetCustomer(ctx, req.Customer)
	if err != nil {
		return nil, upstream(err)
	}

	meta := payments.IdentityMetadata(plan.PurchaseName(), req.Customer)
	var checkout *payments.Checkout
	switch plan {
	case models.PlanLifetime:
		checkout, err = s.gateway.CreateOneTimeCharge(ctx, payments.ChargeRequest{
			AmountCents: s.opts.LifetimePriceCents,
			Currency:    s.opts.Currency,
			CustomerID:  customerID,
			Metadata:    meta,
		})
	case models.PlanAnnual:
		checkout, err = s.gateway.CreateRecurringCharge(ctx, payments.SubscriptionRequest{
			CustomerID: customerID,
			PriceID:    s.opts.AnnualPriceID,
			Metadata:   meta,
		})
	}
	if err != nil {
		return nil, upstream(err)
	}

	logger.Info("Payment created", map[string]interface{}{
		"plan":               plan,
		"payment_id":         checkout.ID,
		"stripe_customer_id": customerID,
	})
	return &PaymentResult{Plan: plan, Checkout: checkout}, nil
}

type IssueRequest struct {
	Plan            string
	PaymentIntentID string
	SubscriptionID  string
}

// IssueFromPayment confirms a payment with the processor and returns the
// license it paid for. A payment that already has a license gets that same
// license back.
func (s *Service) IssueFromPayment(ctx context.Context, req IssueRequest) (*models.LicenseRecord, error) {
	plan, err := models.ParsePurchasePlan(req.Plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch plan {
	case models.PlanLifetime:
		return s.issueLifetimeFromCharge(ctx, req.PaymentIntentID)
	default:
		return s.issueAnnualFromSubscription(ctx, req.SubscriptionID)
	}
}

func (s *Service) issueLifetimeFromCharge(ctx context.Context, paymentIntentID string) (*models.LicenseRecord, error) {
	if paymentIntentID == "" {
		return nil, fmt.Errorf("%w: paymentIntentId is required for the lifetime plan", ErrValidation)
	}

	existing, err := s.store.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	status, err := s.gateway.GetChargeStatus(ctx, paymentIntentID)
	if err != nil {
		return nil, declined(err)
	}
	if !status.Succeeded {
		return nil, ErrPaymentNotVerified
	}
	// Same rule as the charge webhook: only intents we created for the
	// lifetime plan carry a license.
	if status.Plan != models.PurchaseLifetime {
		logger.Warn("Payment intent was not for the lifetime plan", map[string]interface{}{
			"payment_intent_id": paymentIntentID,
			"plan":              status.Plan,
		})
		return nil, ErrPaymentNotVerified
	}

	payload := models.LicensePayload{
		Name:        status.Customer.Name,
		Email:       status.Customer.Email,
		Plan:        models.PlanLifetime,
		PurchasedAt: s.now(),
	}
	return s.issue(ctx, payload, models.Metadata{PaymentIntentID: paymentIntentID}, SourceSync)
}

func (s *Service) issueAnnualFromSubscription(ctx context.Context, subscriptionID string) (*models.LicenseRecord, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscriptionId is required for the annual plan", ErrValidation)
	}

	existing, err := s.store.GetBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	status, err := s.gateway.GetSubscriptionStatus(ctx, subscriptionID)
	if err != nil {
		return nil, declined(err)
	}
	if !status.Active {
		return nil, ErrPaymentNotVerified
	}

	now := s.now()
	expiresAt := now.Add(annualTerm)
	if status.CurrentPeriodEnd.After(now) {
		expiresAt = status.CurrentPeriodEnd
	}
	payload := models.LicensePayload{
		Name:        status.Customer.Name,
		Email:       status.Customer.Email,
		Plan:        models.PlanAnnual,
		PurchasedAt: now,
		ExpiresAt:   &expiresAt,
	}
	return s.issue(ctx, payload, models.Metadata{SubscriptionID: subscriptionID}, SourceSync)
}

// issue signs payload and stores it under a fresh key. If another request
// linked the same payment first, that record is returned instead.
func (s *Service) issue(ctx context.Context, payload models.LicensePayload, meta models.Metadata, source string) (*models.LicenseRecord, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	tok, err := s.codec.SignLicense(payload)
	if err != nil {
		return nil, err
	}
	meta.IsDevelopment = s.opts.Development

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := GenerateLicenseKey()
		if err != nil {
			return nil, err
		}

		rec := &models.LicenseRecord{Key: key, FullToken: tok, License: payload, Metadata: meta}
		err = s.store.InsertLicense(ctx, rec)
		switch {
		case err == nil:
			s.issued(ctx, rec, source)
			return rec, nil
		case errors.Is(err, storage.ErrKeyExists):
			logger.Warn("License key collision, retrying", map[string]interface{}{
				"attempt": attempt + 1,
			})
			continue
		case errors.Is(err, storage.ErrAlreadyLinked):
			return s.linked(ctx, meta)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free license key after %d attempts", maxKeyAttempts)
}

func (s *Service) linked(ctx context.Context, meta models.Metadata) (*models.LicenseRecord, error) {
	var (
		rec *models.LicenseRecord
		err error
	)
	if meta.PaymentIntentID != "" {
		rec, err = s.store.GetByPaymentIntent(ctx, meta.PaymentIntentID)
	} else {
		rec, err = s.store.GetBySubscription(ctx, meta.SubscriptionID)
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.ErrAlreadyLinked
	}
	return rec, nil
}

func (s *Service) issued(ctx context.Context, rec *models.LicenseRecord, source string) {
	s.opts.Metrics.RecordLicenseIssued(string(rec.License.Plan), source)
	logger.Info("License issued", map[string]interface{}{
		"license_key":       rec.Key,
		"plan":              rec.License.Plan,
		"source":            source,
		"payment_intent_id": rec.Metadata.PaymentIntentID,
		"subscription_id":   rec.Metadata.SubscriptionID,
	})

	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.LicenseIssued(ctx, rec); err != nil {
		// The license exists either way; a lost email is not a failed purchase.
		logger.Error("Failed to send license email", map[string]interface{}{
			"error":       err.Error(),
			"license_key": rec.Key,
		})
	}
}

func upstream(err error) error {
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// declined maps a failed status lookup: an unknown id is an unverified
// payment, anything else an upstream failure.
func declined(err error) error {
	if errors.Is(err, payments.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPaymentNotVerified, err)
	}
	return upstream(err)
}
