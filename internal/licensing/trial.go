package licensing

import (
	"context"
	"time"

	"pfw.app/cloud/internal/logger"
)

const day = 24 * time.Hour

type TrialGrant struct {
	Token       string    `json:"trialToken"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Now         time.Time `json:"now"`
	SecondsLeft int64     `json:"secondsLeft"`
}

type TrialState struct {
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Now         time.Time `json:"now"`
	SecondsLeft int64     `json:"secondsLeft"`
	Expired     bool      `json:"expired"`
}

// StartTrial mints a new trial token starting now. Nothing is stored; every
// call is an independent grant.
func (s *Service) StartTrial(ctx context.Context) (*TrialGrant, error) {
	now := s.now()
	tok, err := s.codec.SignTrial(now, s.opts.TrialDays)
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.RecordTrialStarted()

	expiresAt := now.Add(time.Duration(s.opts.TrialDays) * day)
	logger.Info("Trial started", map[string]interface{}{
		"duration_days": s.opts.TrialDays,
		"expires_at":    expiresAt,
	})

	return &TrialGrant{
		Token:       tok,
		StartedAt:   now,
		ExpiresAt:   expiresAt,
		Now:         now,
		SecondsLeft: secondsUntil(now, expiresAt),
	}, nil
}

// TrialStatus is a pure function of the token and the current time.
func (s *Service) TrialStatus(ctx context.Context, trialToken string) (*TrialState, error) {
	trial, err := s.codec.VerifyTrial(trialToken)
	s.opts.Metrics.RecordTokenVerification("trial", err)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := trial.StartedAt.Add(time.Duration(trial.DurationDays) * day)
	return &TrialState{
		StartedAt:   trial.StartedAt,
		ExpiresAt:   expiresAt,
		Now:         now,
		SecondsLeft: secondsUntil(now, expiresAt),
		Expired:     !now.Before(expiresAt),
	}, nil
}

func secondsUntil(now, t time.Time) int64 {
	left := int64(t.Sub(now) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}
