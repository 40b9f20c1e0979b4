package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/thread"
)

var (
	_ thread.Store     = (*CommentStore)(nil)
	_ moderation.Store = (*CommentStore)(nil)
)

// CommentStore persists comments, their tree index, likes, reports and
// moderation history.
type CommentStore struct {
	db *bolt.DB
}

const sep = "\x00"

// storedComment keeps request metadata that the public JSON form omits
type storedComment struct {
	*models.Comment
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func encodeComment(c *models.Comment) ([]byte, error) {
	data, err := json.Marshal(storedComment{Comment: c, IP: c.IP, UserAgent: c.UserAgent})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comment: %w", err)
	}
	return data, nil
}

func decodeComment(data []byte) (*models.Comment, error) {
	sc := storedComment{Comment: &models.Comment{}}
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal comment: %w", err)
	}
	sc.Comment.IP = sc.IP
	sc.Comment.UserAgent = sc.UserAgent
	return sc.Comment, nil
}

func treeKey(postID, sortKey string) []byte {
	return []byte(postID + sep + sortKey)
}

func stateKey(state models.CommentState, c *models.Comment) []byte {
	return []byte(fmt.Sprintf("%s%s%016x:%s", state, sep, uint64(c.CreatedAt.UnixNano()), c.ID))
}

func pairKey(a, b string) []byte {
	return []byte(a + sep + b)
}

func eventKey(ev *models.ModerationEvent) []byte {
	return []byte(fmt.Sprintf("%s%s%016x:%s", ev.CommentID, sep, uint64(ev.Timestamp.UnixNano()), ev.ID))
}

func getComment(tx *bolt.Tx, id string) (*models.Comment, error) {
	data := tx.Bucket(BucketComments).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("comment %s: %w", id, models.ErrNotFound)
	}
	return decodeComment(data)
}

func putComment(tx *bolt.Tx, c *models.Comment) error {
	data, err := encodeComment(c)
	if err != nil {
		return err
	}
	return tx.Bucket(BucketComments).Put([]byte(c.ID), data)
}

// reindexState moves the by-state index entry when a comment's state changes
func reindexState(tx *bolt.Tx, c *models.Comment, from models.CommentState) error {
	if from == c.State {
		return nil
	}
	bucket := tx.Bucket(BucketCommentsByState)
	if err := bucket.Delete(stateKey(from, c)); err != nil {
		return err
	}
	return bucket.Put(stateKey(c.State, c), []byte(c.ID))
}

// LoadComment retrieves a comment by id.
func (s *CommentStore) LoadComment(ctx context.Context, id string) (*models.Comment, error) {
	var c *models.Comment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getComment(tx, id)
		return err
	})
	return c, err
}

// SaveComment inserts a comment and its tree and state index entries.
func (s *CommentStore) SaveComment(ctx context.Context, c *models.Comment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketComments).Get([]byte(c.ID)) != nil {
			return fmt.Errorf("comment %s already exists: %w", c.ID, models.ErrConflict)
		}
		if err := putComment(tx, c); err != nil {
			return err
		}
		if err := tx.Bucket(BucketCommentTree).Put(treeKey(c.PostID, c.SortKey), []byte(c.ID)); err != nil {
			return err
		}
		return tx.Bucket(BucketCommentsByState).Put(stateKey(c.State, c), []byte(c.ID))
	})
}

// UpdateComment applies fn to the stored comment inside a write transaction.
func (s *CommentStore) UpdateComment(ctx context.Context, id string, fn func(c *models.Comment) error) (*models.Comment, error) {
	var out *models.Comment
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getComment(tx, id)
		if err != nil {
			return err
		}
		from := c.State
		if err := fn(c); err != nil {
			return err
		}
		if err := reindexState(tx, c, from); err != nil {
			return err
		}
		out = c
		return putComment(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByPrefix scans the tree index for postID in sort key order.
func (s *CommentStore) ListByPrefix(ctx context.Context, postID, prefix string) ([]*models.Comment, error) {
	var comments []*models.Comment
	scan := treeKey(postID, prefix)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(BucketCommentTree).Cursor()
		for k, v := cursor.Seek(scan); k != nil && bytes.HasPrefix(k, scan); k, v = cursor.Next() {
			c, err := getComment(tx, string(v))
			if err != nil {
				return err
			}
			comments = append(comments, c)
		}
		return nil
	})
	return comments, err
}

// IncrementCounter adds delta to one of the comment's counters.
func (s *CommentStore) IncrementCounter(ctx context.Context, id string, counter models.Counter, delta int64) (int64, error) {
	var value int64
	_, err := s.UpdateComment(ctx, id, func(c *models.Comment) error {
		counter.Apply(c, delta)
		value = counterValue(c, counter)
		return nil
	})
	return value, err
}

func counterValue(c *models.Comment, counter models.Counter) int64 {
	switch counter {
	case models.CounterLikes:
		return c.LikeCount
	case models.CounterReplies:
		return c.ReplyCount
	case models.CounterReports:
		return c.ReportCount
	}
	return 0
}

// AddLike records a like once per user.
func (s *CommentStore) AddLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	return s.toggle(BucketLikes, commentID, userID, models.CounterLikes, true, func() ([]byte, error) {
		return []byte(time.Now().UTC().Format(time.RFC3339Nano)), nil
	})
}

// RemoveLike deletes a user's like if present.
func (s *CommentStore) RemoveLike(ctx context.Context, commentID, userID string) (bool, int64, error) {
	return s.toggle(BucketLikes, commentID, userID, models.CounterLikes, false, nil)
}

// AddReport records a report once per reporter.
func (s *CommentStore) AddReport(ctx context.Context, report *models.Report) (bool, int64, error) {
	return s.toggle(BucketReports, report.CommentID, report.ReporterID, models.CounterReports, true, func() ([]byte, error) {
		return json.Marshal(report)
	})
}

// toggle adds or removes a per-user marker and keeps the matching counter in
// step within one transaction
func (s *CommentStore) toggle(bucketName []byte, commentID, userID string, counter models.Counter, add bool, value func() ([]byte, error)) (bool, int64, error) {
	var changed bool
	var count int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getComment(tx, commentID)
		if err != nil {
			return err
		}
		bucket := tx.Bucket(bucketName)
		key := pairKey(commentID, userID)
		exists := bucket.Get(key) != nil

		switch {
		case add && !exists:
			data, err := value()
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			counter.Apply(c, 1)
			changed = true
		case !add && exists:
			if err := bucket.Delete(key); err != nil {
				return err
			}
			counter.Apply(c, -1)
			changed = true
		}

		count = counterValue(c, counter)
		if !changed {
			return nil
		}
		return putComment(tx, c)
	})
	return changed, count, err
}

// TransitionState performs the versioned state change and appends ev.
func (s *CommentStore) TransitionState(ctx context.Context, id string, expectedVersion int64, next models.CommentState, score float64, ev *models.ModerationEvent) (*models.Comment, error) {
	var out *models.Comment
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getComment(tx, id)
		if err != nil {
			return err
		}
		if c.Version != expectedVersion {
			return &models.ConflictError{CommentID: id, Expected: expectedVersion, Actual: c.Version}
		}

		from := c.State
		c.State = next
		c.ModerationScore = score
		c.Version++
		c.UpdatedAt = ev.Timestamp

		if err := reindexState(tx, c, from); err != nil {
			return err
		}
		if err := putEvent(tx, ev); err != nil {
			return err
		}
		out = c
		return putComment(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func putEvent(tx *bolt.Tx, ev *models.ModerationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal moderation event: %w", err)
	}
	return tx.Bucket(BucketModerationEvents).Put(eventKey(ev), data)
}

// AppendModerationEvent records an event without touching the comment.
func (s *CommentStore) AppendModerationEvent(ctx context.Context, ev *models.ModerationEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketComments).Get([]byte(ev.CommentID)) == nil {
			return fmt.Errorf("comment %s: %w", ev.CommentID, models.ErrNotFound)
		}
		return putEvent(tx, ev)
	})
}

// ListModerationEvents returns a comment's history, oldest first.
func (s *CommentStore) ListModerationEvents(ctx context.Context, commentID string) ([]*models.ModerationEvent, error) {
	var history []*models.ModerationEvent
	prefix := []byte(commentID + sep)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(BucketModerationEvents).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var ev models.ModerationEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal moderation event: %w", err)
			}
			history = append(history, &ev)
		}
		return nil
	})
	return history, err
}

// ListByState returns comments in state, oldest first.
func (s *CommentStore) ListByState(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error) {
	var comments []*models.Comment
	prefix := []byte(string(state) + sep)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(BucketCommentsByState).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			c, err := getComment(tx, string(v))
			if err != nil {
				return err
			}
			comments = append(comments, c)
			if limit > 0 && len(comments) >= limit {
				break
			}
		}
		return nil
	})
	return comments, err
}

// CountComments returns the number of stored comments.
func (s *CommentStore) CountComments(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(BucketComments).Stats().KeyN
		return nil
	})
	return n, err
}
