package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/spiderfoot/fabric/pkg/types"
)

var bucketReports = []byte("reports")

// BoltStore persists reports as JSON blobs in a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file and its bucket.
func NewBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReports)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save upserts a report.
func (s *BoltStore) Save(_ context.Context, r *types.Report) error {
	stamp(r)
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReports).Put([]byte(r.ID), data)
	})
}

// Get returns a report by id.
func (s *BoltStore) Get(_ context.Context, id string) (*types.Report, error) {
	var r types.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReports).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Update overwrites an existing report, preserving its creation time.
func (s *BoltStore) Update(_ context.Context, r *types.Report) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		data := b.Get([]byte(r.ID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
		var existing types.Report
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		r.CreatedAt = existing.CreatedAt
		stamp(r)
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), out)
	})
}

// Delete removes a report.
func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// List returns matching reports newest-first.
func (s *BoltStore) List(_ context.Context, f Filter) ([]*types.Report, error) {
	var out []*types.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(_, v []byte) error {
			var r types.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if f.matches(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sortAndPage(out, f), nil
}

// Count returns how many reports match, ignoring limit and offset.
func (s *BoltStore) Count(_ context.Context, f Filter) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(_, v []byte) error {
			var r types.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if f.matches(&r) {
				n++
			}
			return nil
		})
	})
	return n, err
}

// CleanupOld removes reports older than maxAgeDays.
func (s *BoltStore) CleanupOld(_ context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	oldest := cutoff(maxAgeDays)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r types.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.CreatedAt.Before(oldest) {
				key := append([]byte(nil), k...)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
