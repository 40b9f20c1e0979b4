// Package database defines the combined persistence contract the comment
// engine runs on. Backends live in subpackages.
package database

import (
	"context"

	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/trust"
)

// Store defines the interface for all database operations.
// All methods accept a context.Context as the first parameter to support
// cancellation, timeouts, and request-scoped values.
type Store interface {
	thread.Store
	moderation.Store
	trust.Store
	rules.Source

	// Rule administration
	GetRule(ctx context.Context, id string) (*models.ModerationRule, error)
	SaveRule(ctx context.Context, r *models.ModerationRule) error
	DeleteRule(ctx context.Context, id string) error

	CountComments(ctx context.Context) (int, error)

	// Close the database connection
	Close() error
}
