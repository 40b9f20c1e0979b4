package thread

import (
	"context"

	"tangled.org/arabica.social/murmur/internal/models"
)

// Store persists comment nodes and their tree metadata.
// All methods return an error wrapping models.ErrNotFound for unknown ids.
type Store interface {
	// LoadComment returns a copy of the stored comment
	LoadComment(ctx context.Context, id string) (*models.Comment, error)

	// SaveComment inserts a new comment and indexes its sort key
	SaveComment(ctx context.Context, c *models.Comment) error

	// UpdateComment loads the comment, applies fn and writes the result
	// atomically. Returning an error from fn aborts the update.
	UpdateComment(ctx context.Context, id string, fn func(c *models.Comment) error) (*models.Comment, error)

	// ListByPrefix returns the comments of postID whose sort key starts with
	// prefix, in sort key order. An empty prefix lists the whole post.
	ListByPrefix(ctx context.Context, postID, prefix string) ([]*models.Comment, error)

	// IncrementCounter atomically adds delta and returns the new value
	IncrementCounter(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error)

	// AddLike records userID's like once and returns whether it was new and
	// the resulting like count
	AddLike(ctx context.Context, commentID, userID string) (bool, int64, error)

	// RemoveLike removes userID's like and returns whether one existed and
	// the resulting like count
	RemoveLike(ctx context.Context, commentID, userID string) (bool, int64, error)

	// AddReport records a report once per reporter and returns whether it was
	// new and the resulting report count
	AddReport(ctx context.Context, report *models.Report) (bool, int64, error)
}
