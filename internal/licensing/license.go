package licensing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/token"
	"pfw.app/cloud/models"
)

type Verified struct {
	Token   string                `json:"fullToken"`
	License models.LicensePayload `json:"license"`
}

// VerifyLicense accepts a license token or a license key. A token is
// verified directly; anything else is looked up as a key and the stored
// token verified instead. On success a freshly signed token is returned.
// Stored state is never changed.
func (s *Service) VerifyLicense(ctx context.Context, input string) (*Verified, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: licenseKey is required", ErrValidation)
	}

	payload, err := s.codec.VerifyLicense(input)
	if err != nil {
		directErr := err
		rec, err := s.store.GetByKey(ctx, input)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			s.opts.Metrics.RecordTokenVerification("license", directErr)
			// A well-signed but expired or mistyped token says more than a
			// missing key.
			if errors.Is(directErr, token.ErrInvalidSignature) {
				return nil, ErrNotFound
			}
			return nil, directErr
		}

		payload, err = s.codec.VerifyLicense(rec.FullToken)
		s.opts.Metrics.RecordTokenVerification("license", err)
		if err != nil {
			logger.Info("Stored license token rejected", map[string]interface{}{
				"license_key": rec.Key,
				"error":       err.Error(),
			})
			return nil, err
		}
	} else {
		s.opts.Metrics.RecordTokenVerification("license", nil)
	}

	fresh, err := s.codec.SignLicense(*payload)
	if err != nil {
		return nil, err
	}
	return &Verified{Token: fresh, License: *payload}, nil
}

// RedeemLicense returns the stored token for key if it still verifies. The
// token is returned as stored, not re-signed.
func (s *Service) RedeemLicense(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: licenseKey is required", ErrValidation)
	}

	rec, err := s.store.GetByKey(ctx, key)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNotFound
	}

	_, err = s.codec.VerifyLicense(rec.FullToken)
	s.opts.Metrics.RecordTokenVerification("license", err)
	if err != nil {
		return "", err
	}
	return rec.FullToken, nil
}
