// Package pluginstorage implements the per-plugin namespaced storage
// primitive (C10): a bbolt-backed keyed store with approximate size
// accounting and soft/hard size limits, plus a query surface with
// prefix/filter/pagination/ordering.
//
// Grounded directly on the reference pack's internal/storage/bolt.go:
// same single bbolt.DB, bucket-per-concern layout, JSON-encoded values,
// ACID Update/View transactions. Where bolt.go hand-rolls two fixed
// typed buckets (baselines, ledger), this generalizes to one bucket per
// plugin namespace holding arbitrary JSON values, and adds the size
// accounting and query pagination the fixed schema never needed.
package pluginstorage

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

const (
	// MaxQueryLimit is the hard cap on query(opts) page size (spec §4.4.1).
	MaxQueryLimit = 1000

	metaBucketSuffix = "__meta__"
	sizeKey          = "size_bytes"
)

// Entry is a single stored record, including bookkeeping used by query
// ordering (createdAt).
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

// QueryOptions controls query(opts) (spec §4.4.1).
type QueryOptions struct {
	Prefix   string
	Filter   func(Entry) bool
	Offset   int
	Limit    int
	OrderBy  string // "key" (default) or "createdAt"
	Descending bool
}

// Store is one plugin's namespaced view over the shared bbolt database.
type Store struct {
	db            *bolt.DB
	pluginID      string
	bucketName    string
	warningSizeMB float64
	maxSizeMB     float64
}

func bucketNameFor(pluginID string) string {
	return "plugin:" + pluginID + ":"
}

// Open returns a Store for pluginID backed by db, creating its bucket if
// absent. warningSizeMB/maxSizeMB are soft/hard caps in megabytes; zero
// means "no limit" for that cap.
func Open(db *bolt.DB, pluginID string, warningSizeMB, maxSizeMB float64) (*Store, error) {
	s := &Store{
		db:            db,
		pluginID:      pluginID,
		bucketName:    bucketNameFor(pluginID),
		warningSizeMB: warningSizeMB,
		maxSizeMB:     maxSizeMB,
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(s.bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pluginstorage.Open(%q): %w", pluginID, err)
	}
	return s, nil
}

func approxSize(v json.RawMessage) int {
	return len(v)
}

func (s *Store) currentSizeBytes(tx *bolt.Tx) int64 {
	b := tx.Bucket([]byte(s.bucketName))
	raw := b.Get([]byte(metaBucketSuffix + sizeKey))
	if raw == nil {
		return 0
	}
	var n int64
	_ = json.Unmarshal(raw, &n)
	return n
}

func (s *Store) setSizeBytes(tx *bolt.Tx, n int64) error {
	b := tx.Bucket([]byte(s.bucketName))
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.Put([]byte(metaBucketSuffix+sizeKey), raw)
}

// Get returns the raw JSON value for key, or (nil, false) if absent.
func (s *Store) Get(key string) (json.RawMessage, bool, error) {
	var out json.RawMessage
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = e.Value
		found = true
		return nil
	})
	return out, found, err
}

// Set stores value under key, updating the size accounting by
// approxSize(new) - approxSize(old). Rejects (without writing) if the
// resulting size grows past maxSizeMB.
func (s *Store) Set(key string, value json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))

		var oldSize int
		if raw := b.Get([]byte(key)); raw != nil {
			var old Entry
			if err := json.Unmarshal(raw, &old); err == nil {
				oldSize = approxSize(old.Value)
			}
		}
		newSize := approxSize(value)
		delta := int64(newSize - oldSize)

		current := s.currentSizeBytes(tx)
		projected := current + delta

		if s.maxSizeMB > 0 && delta > 0 && float64(projected) > s.maxSizeMB*1024*1024 {
			return model.NewError(model.ErrStorageLimitExceeded,
				"plugin %q storage would exceed maxSizeMB=%.2f", s.pluginID, s.maxSizeMB)
		}

		e := Entry{Key: key, Value: value, CreatedAt: time.Now().UTC()}
		if raw := b.Get([]byte(key)); raw != nil {
			var old Entry
			if err := json.Unmarshal(raw, &old); err == nil && !old.CreatedAt.IsZero() {
				e.CreatedAt = old.CreatedAt
			}
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), raw); err != nil {
			return err
		}
		return s.setSizeBytes(tx, projected)
	})
}

// Delete removes key, subtracting its size from the running total.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e Entry
		sz := 0
		if err := json.Unmarshal(raw, &e); err == nil {
			sz = approxSize(e.Value)
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return s.setSizeBytes(tx, s.currentSizeBytes(tx)-int64(sz))
	})
}

// Keys returns all keys matching a glob-style pattern (path.Match
// semantics); empty pattern matches everything.
func (s *Store) Keys(pattern string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))
		return b.ForEach(func(k, _ []byte) error {
			key := string(k)
			if isMetaKey(key) {
				return nil
			}
			if pattern == "" {
				keys = append(keys, key)
				return nil
			}
			matched, err := path.Match(pattern, key)
			if err != nil {
				return err
			}
			if matched {
				keys = append(keys, key)
			}
			return nil
		})
	})
	return keys, err
}

func isMetaKey(key string) bool {
	return strings.HasPrefix(key, metaBucketSuffix)
}

// Query implements query(opts): prefix + filter + pagination + ordering,
// capped at MaxQueryLimit entries.
func (s *Store) Query(opts QueryOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	var all []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))
		return b.ForEach(func(k, v []byte) error {
			key := string(k)
			if isMetaKey(key) {
				return nil
			}
			if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
				return nil
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if opts.Filter != nil && !opts.Filter(e) {
				return nil
			}
			all = append(all, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	switch opts.OrderBy {
	case "createdAt":
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	default:
		sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	}
	if opts.Descending {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	if opts.Offset >= len(all) {
		return []Entry{}, nil
	}
	end := opts.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

// Clear removes every key (and resets size accounting) for this plugin.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(s.bucketName)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(s.bucketName))
		return err
	})
}

// GetAllData returns every entry, for migration bundling.
func (s *Store) GetAllData() ([]Entry, error) {
	return s.Query(QueryOptions{Limit: MaxQueryLimit})
}

// RestoreData replaces the bucket's content with entries, recomputing
// size accounting from scratch.
func (s *Store) RestoreData(entries []Entry) error {
	if err := s.Clear(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucketName))
		var total int64
		for _, e := range entries {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.Key), raw); err != nil {
				return err
			}
			total += int64(approxSize(e.Value))
		}
		return s.setSizeBytes(tx, total)
	})
}

// SizeBytes returns the current approximate size accounting total.
func (s *Store) SizeBytes() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = s.currentSizeBytes(tx)
		return nil
	})
	return n, err
}

// OverWarningSize reports whether the store is above warningSizeMB.
func (s *Store) OverWarningSize() (bool, error) {
	if s.warningSizeMB <= 0 {
		return false, nil
	}
	n, err := s.SizeBytes()
	if err != nil {
		return false, err
	}
	return float64(n) > s.warningSizeMB*1024*1024, nil
}
