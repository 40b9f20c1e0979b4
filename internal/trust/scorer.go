// Package trust maintains per-author reputation scores fed by moderation
// outcomes and read by the rule engine.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/models"
)

// Store persists trust records
type Store interface {
	// LoadTrustScore returns the stored record or an error wrapping
	// models.ErrNotFound
	LoadTrustScore(ctx context.Context, userID string) (*models.TrustRecord, error)

	// UpdateTrustScore applies fn to the current record atomically. fn
	// receives nil when no record exists yet and returns the record to store.
	UpdateTrustScore(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error)
}

// Config holds score deltas and decay parameters
type Config struct {
	Neutral          float64       `mapstructure:"neutral"`
	ApprovedDelta    float64       `mapstructure:"approved_delta"`
	RejectedDelta    float64       `mapstructure:"rejected_delta"`
	ReportedDelta    float64       `mapstructure:"reported_delta"`
	SpamDelta        float64       `mapstructure:"spam_delta"`
	InactivityWindow time.Duration `mapstructure:"inactivity_window"`
	HalfLife         time.Duration `mapstructure:"half_life"`
	HistoryWindow    time.Duration `mapstructure:"history_window"`
}

// DefaultConfig returns the default trust parameters. Delta magnitudes are
// positive; the penalty outcomes are subtracted.
func DefaultConfig() Config {
	return Config{
		Neutral:          0.5,
		ApprovedDelta:    0.02,
		RejectedDelta:    0.05,
		ReportedDelta:    0.08,
		SpamDelta:        0.15,
		InactivityWindow: 30 * 24 * time.Hour,
		HalfLife:         90 * 24 * time.Hour,
		HistoryWindow:    30 * 24 * time.Hour,
	}
}

// Validate enforces spam > reported > rejected > approved > 0
func (c Config) Validate() error {
	if c.Neutral < 0 || c.Neutral > 1 {
		return &models.ConfigError{Field: "trust.neutral", Message: "must be within [0,1]"}
	}
	if c.ApprovedDelta <= 0 {
		return &models.ConfigError{Field: "trust.approved_delta", Message: "must be positive"}
	}
	if !(c.SpamDelta > c.ReportedDelta && c.ReportedDelta > c.RejectedDelta && c.RejectedDelta > c.ApprovedDelta) {
		return &models.ConfigError{Field: "trust", Message: "deltas must satisfy spam > reported > rejected > approved"}
	}
	if c.HalfLife <= 0 {
		return &models.ConfigError{Field: "trust.half_life", Message: "must be positive"}
	}
	if c.InactivityWindow < 0 {
		return &models.ConfigError{Field: "trust.inactivity_window", Message: "must not be negative"}
	}
	return nil
}

// Delta returns the signed score change for an outcome
func (c Config) Delta(o models.Outcome) float64 {
	switch o {
	case models.OutcomeApproved:
		return c.ApprovedDelta
	case models.OutcomeRejected:
		return -c.RejectedDelta
	case models.OutcomeReported:
		return -c.ReportedDelta
	case models.OutcomeSpam:
		return -c.SpamDelta
	}
	return 0
}

// Decay moves score toward neutral based on time since the last update.
// Nothing decays within the inactivity window; after it the distance to
// neutral halves every half-life.
func (c Config) Decay(score float64, lastUpdate, now time.Time) float64 {
	idle := now.Sub(lastUpdate) - c.InactivityWindow
	if idle <= 0 {
		return score
	}
	factor := math.Exp2(-float64(idle) / float64(c.HalfLife))
	return clamp(c.Neutral + (score-c.Neutral)*factor)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Snapshot is an author's decayed score plus recent outcome counts
type Snapshot struct {
	UserID    string               `json:"user_id"`
	Score     float64              `json:"score"`
	FirstSeen time.Time            `json:"first_seen"`
	Counts    models.OutcomeCounts `json:"counts"`
	Known     bool                 `json:"known"`
}

// Scorer computes and updates trust scores
type Scorer struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewScorer creates a scorer over store
func NewScorer(store Store, cfg Config) *Scorer {
	return &Scorer{store: store, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the active configuration
func (s *Scorer) Config() Config {
	return s.cfg
}

// GetScore returns the decayed score for userID. Unknown users score neutral.
func (s *Scorer) GetScore(ctx context.Context, userID string) (float64, error) {
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return s.cfg.Neutral, err
	}
	return snap.Score, nil
}

// Snapshot returns the decayed score and outcome counts over the history window
func (s *Scorer) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	now := s.now()
	rec, err := s.store.LoadTrustScore(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &Snapshot{UserID: userID, Score: s.cfg.Neutral}, nil
		}
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}
	return &Snapshot{
		UserID:    userID,
		Score:     s.cfg.Decay(rec.Score, rec.UpdatedAt, now),
		FirstSeen: rec.FirstSeen,
		Counts:    rec.Counts(s.cfg.HistoryWindow, now),
		Known:     true,
	}, nil
}

// Touch creates a neutral record for a first-time author. Existing records
// are left unchanged.
func (s *Scorer) Touch(ctx context.Context, userID string) error {
	now := s.now()
	_, err := s.store.UpdateTrustScore(ctx, userID, func(cur *models.TrustRecord) (*models.TrustRecord, error) {
		if cur != nil {
			return cur, nil
		}
		return &models.TrustRecord{UserID: userID, Score: s.cfg.Neutral, UpdatedAt: now, FirstSeen: now}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize trust score: %w", err)
	}
	return nil
}

// RecordOutcome applies the outcome's delta to the decayed score. The
// update runs inside the store's atomic update so concurrent outcomes for
// the same user all land.
func (s *Scorer) RecordOutcome(ctx context.Context, userID string, outcome models.Outcome) (float64, error) {
	now := s.now()
	delta := s.cfg.Delta(outcome)

	rec, err := s.store.UpdateTrustScore(ctx, userID, func(cur *models.TrustRecord) (*models.TrustRecord, error) {
		next := &models.TrustRecord{UserID: userID, Score: s.cfg.Neutral, FirstSeen: now}
		if cur != nil {
			next = cur
			next.Score = s.cfg.Decay(cur.Score, cur.UpdatedAt, now)
		}
		next.Score = clamp(next.Score + delta)
		next.UpdatedAt = now
		next.Record(outcome, now, s.cfg.HistoryWindow)
		return next, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record trust outcome: %w", err)
	}

	log.Debug().
		Str("user", userID).
		Str("outcome", string(outcome)).
		Float64("score", rec.Score).
		Msg("trust: outcome recorded")

	return rec.Score, nil
}
