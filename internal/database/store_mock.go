package database

import (
	"context"

	"tangled.org/arabica.social/murmur/internal/models"
)

var _ Store = (*MockStore)(nil)

// MockStore is a mock implementation of the Store interface for testing.
// Uses function fields to allow tests to inject custom behavior, such as a
// backend outage.
type MockStore struct {
	// Comment operations
	LoadCommentFunc      func(ctx context.Context, id string) (*models.Comment, error)
	SaveCommentFunc      func(ctx context.Context, c *models.Comment) error
	UpdateCommentFunc    func(ctx context.Context, id string, fn func(c *models.Comment) error) (*models.Comment, error)
	ListByPrefixFunc     func(ctx context.Context, postID, prefix string) ([]*models.Comment, error)
	IncrementCounterFunc func(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error)
	AddLikeFunc          func(ctx context.Context, commentID, userID string) (bool, int64, error)
	RemoveLikeFunc       func(ctx context.Context, commentID, userID string) (bool, int64, error)
	AddReportFunc        func(ctx context.Context, report *models.Report) (bool, int64, error)
	CountCommentsFunc    func(ctx context.Context) (int, error)

	// Moderation operations
	TransitionStateFunc       func(ctx context.Context, id string, expectedVersion int64, next models.CommentState, score float64, ev *models.ModerationEvent) (*models.Comment, error)
	AppendModerationEventFunc func(ctx context.Context, ev *models.ModerationEvent) error
	ListModerationEventsFunc  func(ctx context.Context, commentID string) ([]*models.ModerationEvent, error)
	ListByStateFunc           func(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error)

	// Trust operations
	LoadTrustScoreFunc   func(ctx context.Context, userID string) (*models.TrustRecord, error)
	UpdateTrustScoreFunc func(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error)

	// Rule operations
	LoadRulesFunc  func(ctx context.Context) ([]*models.ModerationRule, error)
	GetRuleFunc    func(ctx context.Context, id string) (*models.ModerationRule, error)
	SaveRuleFunc   func(ctx context.Context, r *models.ModerationRule) error
	DeleteRuleFunc func(ctx context.Context, id string) error

	CloseFunc func() error
}

// LoadComment calls the mock function or returns ErrNotFound if not set
func (m *MockStore) LoadComment(ctx context.Context, id string) (*models.Comment, error) {
	if m.LoadCommentFunc != nil {
		return m.LoadCommentFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

// SaveComment calls the mock function or returns nil if not set
func (m *MockStore) SaveComment(ctx context.Context, c *models.Comment) error {
	if m.SaveCommentFunc != nil {
		return m.SaveCommentFunc(ctx, c)
	}
	return nil
}

// UpdateComment calls the mock function or returns ErrNotFound if not set
func (m *MockStore) UpdateComment(ctx context.Context, id string, fn func(c *models.Comment) error) (*models.Comment, error) {
	if m.UpdateCommentFunc != nil {
		return m.UpdateCommentFunc(ctx, id, fn)
	}
	return nil, models.ErrNotFound
}

// ListByPrefix calls the mock function or returns nil if not set
func (m *MockStore) ListByPrefix(ctx context.Context, postID, prefix string) ([]*models.Comment, error) {
	if m.ListByPrefixFunc != nil {
		return m.ListByPrefixFunc(ctx, postID, prefix)
	}
	return nil, nil
}

// IncrementCounter calls the mock function or returns 0 if not set
func (m *MockStore) IncrementCounter(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error) {
	if m.IncrementCounterFunc != nil {
		return m.IncrementCounterFunc(ctx, id, counter, delta)
	}
	return 0, nil
}

// AddLike calls the mock function or returns false if not set
func (m *MockStore) AddLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	if m.AddLikeFunc != nil {
		return m.AddLikeFunc(ctx, commentID, userID)
	}
	return false, 0, nil
}

// RemoveLike calls the mock function or returns false if not set
func (m *MockStore) RemoveLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	if m.RemoveLikeFunc != nil {
		return m.RemoveLikeFunc(ctx, commentID, userID)
	}
	return false, 0, nil
}

// AddReport calls the mock function or returns false if not set
func (m *MockStore) AddReport(ctx context.Context, report *models.Report) (bool, int64, error) {
	if m.AddReportFunc != nil {
		return m.AddReportFunc(ctx, report)
	}
	return false, 0, nil
}

// CountComments calls the mock function or returns 0 if not set
func (m *MockStore) CountComments(ctx context.Context) (int, error) {
	if m.CountCommentsFunc != nil {
		return m.CountCommentsFunc(ctx)
	}
	return 0, nil
}

// TransitionState calls the mock function or returns ErrNotFound if not set
func (m *MockStore) TransitionState(ctx context.Context, id string, expectedVersion int64, next models.CommentState, score float64, ev *models.ModerationEvent) (*models.Comment, error) {
	if m.TransitionStateFunc != nil {
		return m.TransitionStateFunc(ctx, id, expectedVersion, next, score, ev)
	}
	return nil, models.ErrNotFound
}

// AppendModerationEvent calls the mock function or returns nil if not set
func (m *MockStore) AppendModerationEvent(ctx context.Context, ev *models.ModerationEvent) error {
	if m.AppendModerationEventFunc != nil {
		return m.AppendModerationEventFunc(ctx, ev)
	}
	return nil
}

// ListModerationEvents calls the mock function or returns nil if not set
func (m *MockStore) ListModerationEvents(ctx context.Context, commentID string) ([]*models.ModerationEvent, error) {
	if m.ListModerationEventsFunc != nil {
		return m.ListModerationEventsFunc(ctx, commentID)
	}
	return nil, nil
}

// ListByState calls the mock function or returns nil if not set
func (m *MockStore) ListByState(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error) {
	if m.ListByStateFunc != nil {
		return m.ListByStateFunc(ctx, state, limit)
	}
	return nil, nil
}

// LoadTrustScore calls the mock function or returns ErrNotFound if not set
func (m *MockStore) LoadTrustScore(ctx context.Context, userID string) (*models.TrustRecord, error) {
	if m.LoadTrustScoreFunc != nil {
		return m.LoadTrustScoreFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

// UpdateTrustScore calls the mock function or applies fn to an empty record
// if not set
func (m *MockStore) UpdateTrustScore(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error) {
	if m.UpdateTrustScoreFunc != nil {
		return m.UpdateTrustScoreFunc(ctx, userID, fn)
	}
	return fn(nil)
}

// LoadRules calls the mock function or returns nil if not set
func (m *MockStore) LoadRules(ctx context.Context) ([]*models.ModerationRule, error) {
	if m.LoadRulesFunc != nil {
		return m.LoadRulesFunc(ctx)
	}
	return nil, nil
}

// GetRule calls the mock function or returns ErrNotFound if not set
func (m *MockStore) GetRule(ctx context.Context, id string) (*models.ModerationRule, error) {
	if m.GetRuleFunc != nil {
		return m.GetRuleFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

// SaveRule calls the mock function or returns nil if not set
func (m *MockStore) SaveRule(ctx context.Context, r *models.ModerationRule) error {
	if m.SaveRuleFunc != nil {
		return m.SaveRuleFunc(ctx, r)
	}
	return nil
}

// DeleteRule calls the mock function or returns nil if not set
func (m *MockStore) DeleteRule(ctx context.Context, id string) error {
	if m.DeleteRuleFunc != nil {
		return m.DeleteRuleFunc(ctx, id)
	}
	return nil
}

// Close calls the mock function or returns nil if not set
func (m *MockStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
