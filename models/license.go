package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Plan string

const (
	PlanAnnual   Plan = "pro-annual"
	PlanLifetime Plan = "pro-lifetime"
)

// Purchase plans as they appear in payment requests.
const (
	PurchaseAnnual   = "annual"
	PurchaseLifetime = "lifetime"
)

var ErrInvalidPlan = errors.New("invalid plan")

// ParsePurchasePlan maps the plan name used by clients ("annual", "lifetime")
// to the licensed plan.
func ParsePurchasePlan(s string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case PurchaseAnnual:
		return PlanAnnual, nil
	case PurchaseLifetime:
		return PlanLifetime, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, s)
	}
}

// PurchaseName is the inverse of ParsePurchasePlan.
func (p Plan) PurchaseName() string {
	switch p {
	case PlanAnnual:
		return PurchaseAnnual
	case PlanLifetime:
		return PurchaseLifetime
	default:
		return ""
	}
}

type LicensePayload struct {
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Plan        Plan       `json:"plan"`
	PurchasedAt time.Time  `json:"purchasedAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// Validate checks that ExpiresAt is set exactly when the plan is annual.
func (p LicensePayload) Validate() error {
	switch p.Plan {
	case PlanLifetime:
		if p.ExpiresAt != nil {
			return errors.New("lifetime license must not expire")
		}
	case PlanAnnual:
		if p.ExpiresAt == nil {
			return errors.New("annual license requires expiresAt")
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPlan, p.Plan)
	}
	return nil
}

func (p LicensePayload) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Metadata links a record back to the payment that produced it.
type Metadata struct {
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	SubscriptionID  string `json:"subscriptionId,omitempty"`
	IsDevelopment   bool   `json:"isDevelopment,omitempty"`
	// RevokedAt is set once the subscription behind the record is canceled.
	// A revoked record is never renewed.
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (m Metadata) Revoked() bool {
	return m.RevokedAt != nil
}

type LicenseRecord struct {
	Key       string         `json:"key"`
	FullToken string         `json:"fullToken"`
	License   LicensePayload `json:"license"`
	Metadata  Metadata       `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
