// Package licensing runs the trial and license lifecycle: trial grants,
// license verification, payment confirmation and webhook-driven issuance,
// renewal and revocation.
package licensing

import (
	"context"
	"errors"
	"time"

	"pfw.app/cloud/internal/metrics"
	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/internal/token"
	"pfw.app/cloud/models"
	"pfw.app/cloud/storage"
)

var (
	ErrNotFound           = errors.New("license not found")
	ErrPaymentNotVerified = errors.New("payment not verified")
	ErrValidation         = errors.New("validation failed")
	ErrUpstream           = errors.New("payment provider unavailable")
)

// IsTokenError reports whether err came from token verification. Callers
// should not tell these apart in client-facing messages.
func IsTokenError(err error) bool {
	return errors.Is(err, token.ErrInvalidSignature) ||
		errors.Is(err, token.ErrExpired) ||
		errors.Is(err, token.ErrWrongType)
}

// Notifier is told about every newly created license record.
type Notifier interface {
	LicenseIssued(ctx context.Context, rec *models.LicenseRecord) error
}

type Options struct {
	TrialDays          int
	LifetimePriceCents int64
	Currency           string
	AnnualPriceID      string
	// Development marks issued records as coming from a test-mode processor.
	Development bool
	Now         func() time.Time
	Notifier    Notifier
	Metrics     *metrics.Registry
}

type Service struct {
	store   storage.Store
	gateway payments.Gateway
	codec   *token.Codec
	opts    Options
	now     func() time.Time
}

func NewService(store storage.Store, gateway payments.Gateway, codec *token.Codec, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.TrialDays <= 0 {
		opts.TrialDays = 14
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &Service{
		store:   store,
		gateway: gateway,
		codec:   codec,
		opts:    opts,
		now:     func() time.Time { return now().UTC() },
	}
}
