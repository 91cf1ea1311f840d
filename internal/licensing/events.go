package licensing

import (
	"context"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/models"
)

// Webhook outcomes, reported to metrics and logs.
const (
	OutcomeIssued    = "issued"
	OutcomeDuplicate = "duplicate"
	OutcomeRenewed   = "renewed"
	OutcomeRevoked   = "revoked"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// HandleEvent applies a verified processor event. Every branch is safe to
// replay: events for payments that already have a license, or for
// subscriptions with no license, change nothing.
func (s *Service) HandleEvent(ctx context.Context, event *payments.Event) error {
	outcome, err := s.handleEvent(ctx, event)
	if err != nil {
		outcome = OutcomeFailed
	}
	s.opts.Metrics.RecordWebhookEvent(string(event.Kind), outcome)

	logger.Info("Webhook event handled", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"outcome":    outcome,
	})
	return err
}

func (s *Service) handleEvent(ctx context.Context, event *payments.Event) (string, error) {
	switch event.Kind {
	case payments.ChargeSucceeded:
		return s.chargeSucceeded(ctx, event)
	case payments.InvoicePaid:
		return s.invoicePaid(ctx, event)
	case payments.SubscriptionUpdated:
		return s.subscriptionUpdated(ctx, event)
	case payments.SubscriptionDeleted:
		return s.subscriptionDeleted(ctx, event)
	default:
		return OutcomeIgnored, nil
	}
}

func (s *Service) chargeSucceeded(ctx context.Context, event *payments.Event) (string, error) {
	if event.PaymentIntentID == "" {
		return OutcomeIgnored, nil
	}
	// Subscription invoices are paid through payment intents too; only
	// charges opened for the lifetime plan become lifetime licenses.
	if event.Plan != models.PurchaseLifetime {
		return OutcomeIgnored, nil
	}

	existing, err := s.store.GetByPaymentIntent(ctx, event.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return OutcomeDuplicate, nil
	}

	payload := models.LicensePayload{
		Name:        event.Customer.Name,
		Email:       event.Customer.Email,
		Plan:        models.PlanLifetime,
		PurchasedAt: s.now(),
	}
	if _, err := s.issue(ctx, payload, models.Metadata{PaymentIntentID: event.PaymentIntentID}, SourceWebhook); err != nil {
		return "", err
	}
	return OutcomeIssued, nil
}

func (s *Service) invoicePaid(ctx context.Context, event *payments.Event) (string, error) {
	if event.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}

	existing, err := s.store.GetBySubscription(ctx, event.SubscriptionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return OutcomeDuplicate, nil
	}

	now := s.now()
	expiresAt := now.Add(annualTerm)
	payload := models.LicensePayload{
		Name:        event.Customer.Name,
		Email:       event.Customer.Email,
		Plan:        models.PlanAnnual,
		PurchasedAt: now,
		ExpiresAt:   &expiresAt,
	}
	if _, err := s.issue(ctx, payload, models.Metadata{SubscriptionID: event.SubscriptionID}, SourceWebhook); err != nil {
		return "", err
	}
	return OutcomeIssued, nil
}

// subscriptionUpdated extends an existing annual license to the new period
// end. It never creates a license and never shortens one.
func (s *Service) subscriptionUpdated(ctx context.Context, event *payments.Event) (string, error) {
	if !event.Active() || event.SubscriptionID == "" || event.CurrentPeriodEnd.IsZero() {
		return OutcomeIgnored, nil
	}

	rec, err := s.store.GetBySubscription(ctx, event.SubscriptionID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return OutcomeIgnored, nil
	}
	// Events can arrive out of order; an update delivered after the
	// cancellation must not bring the license back.
	if rec.Metadata.Revoked() {
		logger.Warn("Ignoring update for revoked license", map[string]interface{}{
			"license_key":     rec.Key,
			"subscription_id": event.SubscriptionID,
			"revoked_at":      rec.Metadata.RevokedAt,
		})
		return OutcomeIgnored, nil
	}
	if rec.License.ExpiresAt != nil && !event.CurrentPeriodEnd.After(*rec.License.ExpiresAt) {
		return OutcomeDuplicate, nil
	}

	periodEnd := event.CurrentPeriodEnd.UTC()
	payload := rec.License
	payload.ExpiresAt = &periodEnd
	if err := s.resign(ctx, rec.Key, payload); err != nil {
		return "", err
	}
	return OutcomeRenewed, nil
}

// subscriptionDeleted expires the license now and marks it revoked, which
// is final. Records are kept.
func (s *Service) subscriptionDeleted(ctx context.Context, event *payments.Event) (string, error) {
	if event.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}

	rec, err := s.store.GetBySubscription(ctx, event.SubscriptionID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return OutcomeIgnored, nil
	}
	if rec.Metadata.Revoked() {
		return OutcomeDuplicate, nil
	}

	now := s.now()
	payload := rec.License
	payload.ExpiresAt = &now
	tok, err := s.codec.SignLicense(payload)
	if err != nil {
		return "", err
	}
	if err := s.store.RevokeLicense(ctx, rec.Key, tok, payload, now); err != nil {
		return "", err
	}
	return OutcomeRevoked, nil
}

func (s *Service) resign(ctx context.Context, key string, payload models.LicensePayload) error {
	tok, err := s.codec.SignLicense(payload)
	if err != nil {
		return err
	}
	return s.store.UpdateLicense(ctx, key, tok, payload)
}
