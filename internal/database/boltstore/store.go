// Package boltstore provides persistent storage using BoltDB (bbolt).
// It implements the comment tree, moderation history, trust and rule
// persistence interfaces in a single embedded database file.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangled.org/arabica.social/murmur/internal/database"
)

var _ database.Store = (*Store)(nil)

// Bucket names for organizing data
var (
	// BucketComments stores comments as JSON keyed by comment id
	BucketComments = []byte("comments")

	// BucketCommentTree indexes comments by "postID\x00sortKey" -> comment id
	BucketCommentTree = []byte("comment_tree")

	// BucketCommentsByState indexes comments by "state\x00createdAt:id" -> comment id
	BucketCommentsByState = []byte("comments_by_state")

	// BucketLikes stores "commentID\x00userID" -> like timestamp
	BucketLikes = []byte("comment_likes")

	// BucketReports stores "commentID\x00reporterID" -> report JSON
	BucketReports = []byte("comment_reports")

	// BucketModerationEvents stores "commentID\x00timestamp:eventID" -> event JSON
	BucketModerationEvents = []byte("moderation_events")

	// BucketModerationRules stores moderation rules keyed by rule id
	BucketModerationRules = []byte("moderation_rules")

	// BucketTrustScores stores trust records keyed by user id
	BucketTrustScores = []byte("trust_scores")
)

// Store wraps a BoltDB database and provides access to specialized stores.
// The specialized stores are embedded so a *Store satisfies the combined
// persistence interface directly.
type Store struct {
	db *bolt.DB

	*CommentStore
	*RuleStore
	*TrustStore
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "murmur.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "murmur.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open the database
	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketComments,
			BucketCommentTree,
			BucketCommentsByState,
			BucketLikes,
			BucketReports,
			BucketModerationEvents,
			BucketModerationRules,
			BucketTrustScores,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		CommentStore: &CommentStore{db: db},
		RuleStore:    &RuleStore{db: db},
		TrustStore:   &TrustStore{db: db},
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Comments returns the comment store backed by this database.
func (s *Store) Comments() *CommentStore {
	return s.CommentStore
}

// Rules returns the rule store backed by this database.
func (s *Store) Rules() *RuleStore {
	return s.RuleStore
}

// Trust returns the trust score store backed by this database.
func (s *Store) Trust() *TrustStore {
	return s.TrustStore
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}
