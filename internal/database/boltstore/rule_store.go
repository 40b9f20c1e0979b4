package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/rules"
)

var _ rules.Source = (*RuleStore)(nil)

// RuleStore persists moderation rules keyed by rule id
type RuleStore struct {
	db *bolt.DB
}

// LoadRules returns every stored rule in evaluation order.
func (s *RuleStore) LoadRules(ctx context.Context) ([]*models.ModerationRule, error) {
	var out []*models.ModerationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketModerationRules).ForEach(func(k, v []byte) error {
			var r models.ModerationRule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal rule %s: %w", k, err)
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	models.SortRules(out)
	return out, nil
}

// GetRule retrieves a single rule.
func (s *RuleStore) GetRule(ctx context.Context, id string) (*models.ModerationRule, error) {
	var r *models.ModerationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketModerationRules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
		}
		r = &models.ModerationRule{}
		return json.Unmarshal(data, r)
	})
	return r, err
}

// SaveRule inserts or replaces a rule, preserving its creation time.
func (s *RuleStore) SaveRule(ctx context.Context, r *models.ModerationRule) error {
	if r.ID == "" {
		return &models.ValidationError{Field: "id", Message: "rule id is required"}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketModerationRules)
		now := time.Now().UTC()
		if existing := bucket.Get([]byte(r.ID)); existing != nil {
			var prev models.ModerationRule
			if err := json.Unmarshal(existing, &prev); err == nil {
				r.CreatedAt = prev.CreatedAt
			}
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal rule: %w", err)
		}
		return bucket.Put([]byte(r.ID), data)
	})
}

// DeleteRule removes a rule.
func (s *RuleStore) DeleteRule(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketModerationRules)
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}
