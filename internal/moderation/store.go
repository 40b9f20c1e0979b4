package moderation

import (
	"context"

	"tangled.org/arabica.social/murmur/internal/models"
)

// Store defines the persistence interface for moderation data.
// Implementations must be safe for concurrent use.
type Store interface {
	LoadComment(ctx context.Context, id string) (*models.Comment, error)

	// TransitionState sets the comment's state and moderation score and
	// increments its version, but only if the stored version equals
	// expectedVersion. The event is appended in the same write. A version
	// mismatch returns a *models.ConflictError.
	TransitionState(ctx context.Context, id string, expectedVersion int64, next models.CommentState, score float64, ev *models.ModerationEvent) (*models.Comment, error)

	// AppendModerationEvent records an event without changing the comment
	AppendModerationEvent(ctx context.Context, ev *models.ModerationEvent) error

	// ListModerationEvents returns a comment's history, oldest first
	ListModerationEvents(ctx context.Context, commentID string) ([]*models.ModerationEvent, error)

	// ListByState returns up to limit comments in state, oldest first.
	// limit <= 0 means no limit.
	ListByState(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error)
}
