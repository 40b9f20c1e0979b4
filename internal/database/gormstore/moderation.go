package gormstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"tangled.org/arabica.social/murmur/internal/models"
)

// TransitionState updates the comment only when its version still equals
// expectedVersion
func (s *Store) TransitionState(ctx context.Context, id string, expectedVersion int64, next models.CommentState, score float64, ev *models.ModerationEvent) (*models.Comment, error) {
	var out *models.Comment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&commentRow{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]any{
				"state":            string(next),
				"moderation_score": score,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       ev.Timestamp,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			row, err := findComment(tx, id, false)
			if err != nil {
				return err
			}
			return &models.ConflictError{CommentID: id, Expected: expectedVersion, Actual: row.Version}
		}
		if err := tx.Create(eventToRow(ev)).Error; err != nil {
			return fmt.Errorf("failed to append moderation event: %w", err)
		}
		row, err := findComment(tx, id, false)
		if err != nil {
			return err
		}
		out, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendModerationEvent records an event without touching the comment
func (s *Store) AppendModerationEvent(ctx context.Context, ev *models.ModerationEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findComment(tx, ev.CommentID, false); err != nil {
			return err
		}
		return tx.Create(eventToRow(ev)).Error
	})
}

// ListModerationEvents returns a comment's history, oldest first
func (s *Store) ListModerationEvents(ctx context.Context, commentID string) ([]*models.ModerationEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("comment_id = ?", commentID).
		Order("occurred_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list moderation events: %w", err)
	}
	out := make([]*models.ModerationEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// ListByState returns comments in state, oldest first
func (s *Store) ListByState(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error) {
	var rows []commentRow
	q := s.db.WithContext(ctx).Where("state = ?", string(state)).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments by state: %w", err)
	}
	return rowsToComments(rows)
}
