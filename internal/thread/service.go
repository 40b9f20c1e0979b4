// Package thread owns the comment tree: it is the only writer of thread
// paths, depths and sort keys.
package thread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/content"
	"tangled.org/arabica.social/murmur/internal/models"
)

// Config controls tree shape and content limits
type Config struct {
	// MaxDepth is the deepest depth a reply may have (roots are depth 0)
	MaxDepth int `mapstructure:"max_depth"`
	// MaxContentLength is measured in characters
	MaxContentLength int `mapstructure:"max_content_length"`
	// FlattenDeepReplies attaches over-deep replies to the deepest allowed
	// ancestor instead of rejecting them
	FlattenDeepReplies bool `mapstructure:"flatten_deep_replies"`
}

// DefaultConfig returns the default tree limits
func DefaultConfig() Config {
	return Config{
		MaxDepth:         models.DefaultMaxDepth,
		MaxContentLength: models.MaxContentLength,
	}
}

// Validate checks the limits are usable
func (c Config) Validate() error {
	if c.MaxDepth < 1 {
		return &models.ConfigError{Field: "thread.max_depth", Message: "must be at least 1"}
	}
	if c.MaxContentLength < 1 {
		return &models.ConfigError{Field: "thread.max_content_length", Message: "must be at least 1"}
	}
	return nil
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides comment id generation
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service maintains the materialized-path comment tree
type Service struct {
	store    Store
	renderer *content.Renderer
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// NewService creates a thread service over store
func NewService(store Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		renderer: content.NewRenderer(),
		cfg:      cfg,
		now:      time.Now,
		newID:    NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a time-ordered unique id
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Config returns the active configuration
func (s *Service) Config() Config {
	return s.cfg
}

// Create validates and stores a new pending comment. With a parent, the
// parent must exist and belong to the same post.
func (s *Service) Create(ctx context.Context, in models.NewComment) (*models.Comment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateContent(in.Content, s.cfg.MaxContentLength); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &models.Comment{
		ID:        s.newID(),
		PostID:    in.PostID,
		AuthorID:  in.AuthorID,
		Content:   models.Content{Raw: in.Content, Rendered: s.renderer.Render(in.Content)},
		State:     models.StatePending,
		Version:   1,
		IP:        in.IP,
		UserAgent: in.UserAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var parent *models.Comment
	if in.ParentID != nil {
		var err error
		parent, err = s.resolveParent(ctx, in.PostID, *in.ParentID)
		if err != nil {
			return nil, err
		}
	}

	if parent == nil {
		c.RootID = c.ID
		c.ThreadPath = []string{}
		c.SortKey = models.SortSegment(now, c.ID)
	} else {
		pid := parent.ID
		c.ParentID = &pid
		c.RootID = parent.RootID
		c.ThreadPath = append(append([]string{}, parent.ThreadPath...), parent.ID)
		c.Depth = len(c.ThreadPath)
		c.SortKey = models.ChildSortKey(parent.SortKey, now, c.ID)
	}

	if err := s.store.SaveComment(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save comment: %w", err)
	}

	if parent != nil {
		if _, err := s.store.IncrementCounter(ctx, parent.ID, models.CounterReplies, 1); err != nil {
			log.Warn().Err(err).Str("parent", parent.ID).Msg("thread: failed to bump reply count")
		}
	}

	log.Debug().
		Str("id", c.ID).
		Str("post", c.PostID).
		Int("depth", c.Depth).
		Msg("thread: comment created")

	return c, nil
}

// resolveParent loads the reply target and applies the depth bound
func (s *Service) resolveParent(ctx context.Context, postID, parentID string) (*models.Comment, error) {
	parent, err := s.store.LoadComment(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("parent %s: %w", parentID, err)
	}
	if parent.PostID != postID {
		return nil, fmt.Errorf("parent %s: %w", parentID, models.ErrNotFound)
	}
	if parent.Deleted {
		return nil, &models.ValidationError{Field: "parent_id", Message: "parent comment was deleted"}
	}

	if parent.Depth+1 <= s.cfg.MaxDepth {
		return parent, nil
	}

	// ThreadPath[d] is the ancestor at depth d
	suggested := parent.ThreadPath[s.cfg.MaxDepth-1]
	if !s.cfg.FlattenDeepReplies {
		return nil, &models.MaxDepthError{MaxDepth: s.cfg.MaxDepth, SuggestedParentID: suggested}
	}

	flattened, err := s.store.LoadComment(ctx, suggested)
	if err != nil {
		return nil, fmt.Errorf("flatten target %s: %w", suggested, err)
	}
	return flattened, nil
}

// Get returns one comment
func (s *Service) Get(ctx context.Context, id string) (*models.Comment, error) {
	return s.store.LoadComment(ctx, id)
}

// GetSubtree returns the descendants of id, excluding id itself, at most
// maxDepth levels below it. maxDepth <= 0 means unlimited.
func (s *Service) GetSubtree(ctx context.Context, id string, maxDepth int) ([]*models.Comment, error) {
	node, err := s.store.LoadComment(ctx, id)
	if err != nil {
		return nil, err
	}

	all, err := s.store.ListByPrefix(ctx, node.PostID, node.SubtreePrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list subtree: %w", err)
	}
	if maxDepth <= 0 {
		return all, nil
	}

	limit := node.Depth + maxDepth
	out := all[:0]
	for _, c := range all {
		if c.Depth <= limit {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetThread returns a post's comments in thread order. maxDepth > 0 keeps
// only comments with Depth < maxDepth.
func (s *Service) GetThread(ctx context.Context, postID string, maxDepth int) ([]*models.Comment, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, &models.ValidationError{Field: "post_id", Message: "is required"}
	}
	all, err := s.store.ListByPrefix(ctx, postID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list thread: %w", err)
	}
	if maxDepth <= 0 {
		return all, nil
	}
	out := all[:0]
	for _, c := range all {
		if c.Depth < maxDepth {
			out = append(out, c)
		}
	}
	return out, nil
}

// IncrementCounter atomically adjusts a denormalized counter
func (s *Service) IncrementCounter(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error) {
	if !counter.Valid() {
		return 0, &models.ValidationError{Field: "counter", Message: "unknown counter " + string(counter)}
	}
	return s.store.IncrementCounter(ctx, id, counter, delta)
}

// Like records a like; repeated likes by the same user are no-ops
func (s *Service) Like(ctx context.Context, id, userID string) (bool, int64, error) {
	c, err := s.store.LoadComment(ctx, id)
	if err != nil {
		return false, 0, err
	}
	if c.Deleted {
		return false, c.LikeCount, &models.ValidationError{Field: "comment", Message: "cannot like a deleted comment"}
	}
	return s.store.AddLike(ctx, id, userID)
}

// Unlike removes a like; unliking without a like is a no-op
func (s *Service) Unlike(ctx context.Context, id, userID string) (bool, int64, error) {
	return s.store.RemoveLike(ctx, id, userID)
}

// Report records a report once per reporter
func (s *Service) Report(ctx context.Context, report *models.Report) (bool, int64, error) {
	if len([]rune(report.Reason)) > models.MaxReasonLength {
		return false, 0, &models.ValidationError{Field: "reason", Message: fmt.Sprintf("exceeds %d characters", models.MaxReasonLength)}
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now().UTC()
	}
	return s.store.AddReport(ctx, report)
}

// Edit replaces the content of a comment. Only the author may edit and
// tombstones cannot be edited.
func (s *Service) Edit(ctx context.Context, id, editorID, raw string) (*models.Comment, error) {
	if err := models.ValidateContent(raw, s.cfg.MaxContentLength); err != nil {
		return nil, err
	}
	rendered := s.renderer.Render(raw)
	now := s.now().UTC()

	return s.store.UpdateComment(ctx, id, func(c *models.Comment) error {
		if c.AuthorID != editorID {
			return fmt.Errorf("only the author may edit: %w", models.ErrForbidden)
		}
		if c.Deleted {
			return models.ErrAlreadyDeleted
		}
		c.Content = models.Content{Raw: raw, Rendered: rendered}
		c.Version++
		c.UpdatedAt = now
		return nil
	})
}

// SoftDelete tombstones a comment. Descendants are untouched. The second
// return value is false when the comment was already deleted.
func (s *Service) SoftDelete(ctx context.Context, id string) (*models.Comment, bool, error) {
	now := s.now().UTC()
	changed := false

	c, err := s.store.UpdateComment(ctx, id, func(c *models.Comment) error {
		if c.Deleted {
			return nil
		}
		changed = true
		c.Deleted = true
		c.DeletedAt = &now
		c.Content = models.Content{Raw: models.DeletedPlaceholder, Rendered: models.DeletedPlaceholder}
		c.Version++
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, changed, nil
}

// Stats aggregates counts for a post
func (s *Service) Stats(ctx context.Context, postID string) (*models.CommentStats, error) {
	all, err := s.store.ListByPrefix(ctx, postID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return models.NewCommentStats(postID, all), nil
}
