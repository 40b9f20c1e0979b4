package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/trust"
)

var _ trust.Store = (*TrustStore)(nil)

// TrustStore persists trust records keyed by user id
type TrustStore struct {
	db *bolt.DB
}

// LoadTrustScore returns the stored record for userID.
func (s *TrustStore) LoadTrustScore(ctx context.Context, userID string) (*models.TrustRecord, error) {
	var rec *models.TrustRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getTrust(tx, userID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("trust score for %s: %w", userID, models.ErrNotFound)
		}
		return nil
	})
	return rec, err
}

// UpdateTrustScore runs fn inside a single write transaction. Bolt
// serializes writers, so concurrent updates for one user never interleave.
func (s *TrustStore) UpdateTrustScore(ctx context.Context, userID string, fn func(cur *models.TrustRecord) (*models.TrustRecord, error)) (*models.TrustRecord, error) {
	var out *models.TrustRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getTrust(tx, userID)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal trust record: %w", err)
		}
		out = next
		return tx.Bucket(BucketTrustScores).Put([]byte(userID), data)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getTrust(tx *bolt.Tx, userID string) (*models.TrustRecord, error) {
	data := tx.Bucket(BucketTrustScores).Get([]byte(userID))
	if data == nil {
		return nil, nil
	}
	var rec models.TrustRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trust record: %w", err)
	}
	return &rec, nil
}

// CountTrustRecords returns the number of authors with a stored score.
func (s *TrustStore) CountTrustRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(BucketTrustScores).Stats().KeyN
		return nil
	})
	return n, err
}
