package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tangled.org/arabica.social/murmur/internal/models"
)

// LoadRules returns every stored rule in evaluation order
func (s *Store) LoadRules(ctx context.Context) ([]*models.ModerationRule, error) {
	var rows []ruleRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	out := make([]*models.ModerationRule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rows[i].ID, err)
		}
		out = append(out, r)
	}
	models.SortRules(out)
	return out, nil
}

// GetRule retrieves one rule
func (s *Store) GetRule(ctx context.Context, id string) (*models.ModerationRule, error) {
	var row ruleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("rule", id)
		}
		return nil, err
	}
	return row.toModel()
}

// SaveRule inserts or replaces a rule, preserving its creation time
func (s *Store) SaveRule(ctx context.Context, r *models.ModerationRule) error {
	if r.ID == "" {
		return &models.ValidationError{Field: "id", Message: "rule id is required"}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var prev ruleRow
		err := tx.First(&prev, "id = ?", r.ID).Error
		switch {
		case err == nil:
			r.CreatedAt = prev.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now

		row, err := ruleToRow(r)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	})
}

// DeleteRule removes a rule
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ruleRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("rule", id)
	}
	return nil
}

// LoadTrustScore returns the stored record for userID
func (s *Store) LoadTrustScore(ctx context.Context, userID string) (*models.TrustRecord, error) {
	var row trustRow
	if err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("trust score for", userID)
		}
		return nil, err
	}
	return row.toModel()
}

// UpdateTrustScore applies fn to a row-locked record inside a transaction
func (s *Store) UpdateTrustScore(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error) {
	var out *models.TrustRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur *models.TrustRecord
		var row trustRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "user_id = ?", userID).Error
		switch {
		case err == nil:
			if cur, err = row.toModel(); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		nextRow, err := trustToRow(next)
		if err != nil {
			return err
		}
		out = next
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(nextRow).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
