// Package token signs and verifies the opaque bearer tokens handed to the
// desktop client: trial tokens and license tokens.
//
// Tokens are HS256 JWTs. Each carries a type tag so that a trial token can
// never be presented as a license and vice versa.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pfw.app/cloud/models"
)

const (
	TypeTrial   = "trial"
	TypeLicense = "license"

	// TrialCleanupWindow bounds how long a trial token is accepted at all,
	// whatever trial length it claims.
	TrialCleanupWindow = 7 * 24 * time.Hour
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token has expired")
	ErrWrongType        = errors.New("wrong token type")
	ErrInvalidDuration  = errors.New("trial duration must be positive")
	ErrEmptySecret      = errors.New("signing secret is required")
)

type Trial struct {
	StartedAt    time.Time
	DurationDays int
}

type trialClaims struct {
	Type         string    `json:"type"`
	StartedAt    time.Time `json:"startedAt"`
	DurationDays int       `json:"durationDays"`
	jwt.RegisteredClaims
}

type licenseClaims struct {
	Type    string                `json:"type"`
	License models.LicensePayload `json:"license"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	now    func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) SignTrial(startedAt time.Time, durationDays int) (string, error) {
	if durationDays <= 0 {
		return "", ErrInvalidDuration
	}

	now := c.now()
	claims := trialClaims{
		Type:         TypeTrial,
		StartedAt:    startedAt,
		DurationDays: durationDays,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TrialCleanupWindow)),
		},
	}
	return c.sign(claims)
}

func (c *Codec) VerifyTrial(tokenString string) (*Trial, error) {
	var claims trialClaims
	if err := c.parse(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeTrial {
		return nil, ErrWrongType
	}
	if claims.DurationDays <= 0 {
		return nil, ErrInvalidDuration
	}
	return &Trial{
		StartedAt:    claims.StartedAt,
		DurationDays: claims.DurationDays,
	}, nil
}

// SignLicense signs payload. When the payload has an expiry the token expires
// with it; an expiry already in the past produces a token that is expired on
// arrival. Lifetime payloads produce tokens with no expiry.
func (c *Codec) SignLicense(payload models.LicensePayload) (string, error) {
	now := c.now()
	claims := licenseClaims{
		Type:    TypeLicense,
		License: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if payload.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*payload.ExpiresAt)
	}
	return c.sign(claims)
}

func (c *Codec) VerifyLicense(tokenString string) (*models.LicensePayload, error) {
	var claims licenseClaims
	if err := c.parse(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeLicense {
		return nil, ErrWrongType
	}
	// Sub-second expiries are truncated by the exp claim, so compare the
	// payload too.
	if claims.License.Expired(c.now()) {
		return nil, ErrExpired
	}
	return &claims.License, nil
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (c *Codec) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return ErrInvalidSignature
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
