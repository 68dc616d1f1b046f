// Package recipient implements the recipient registry (C2): a
// deterministic, collision-safe mapping between an opaque recipient id
// and its (channel, destination) pair, with an optional bbolt-backed
// persistent variant that debounces writes the way the teacher's
// storage.DB serializes writes through bbolt transactions.
package recipient

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

const (
	idPrefix   = "rcpt_"
	routeSep   = "\x00"
	bucketName = "recipients"
	snapshotKey = "recipient-registry"

	// DefaultDebounce is the default delay between a mutation and the
	// persisted snapshot being flushed, per spec §4.2.
	DefaultDebounce = time.Second
)

// ComputeID derives the deterministic recipient id for (channel, destination).
func ComputeID(channel, destination string) string {
	h := sha256.Sum256([]byte(channel + routeSep + destination))
	return idPrefix + hex.EncodeToString(h[:8])
}

// Registry is the in-memory recipient registry. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]model.RecipientRecord
	byRoute map[string]string // channel+NUL+destination -> id
	clock   func() time.Time
	onChange func()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[string]model.RecipientRecord),
		byRoute: make(map[string]string),
		clock:   time.Now,
	}
}

func routeKey(channel, destination string) string {
	return channel + routeSep + destination
}

// GetOrCreate returns the id for (channel, destination), creating a record
// if one does not already exist. Deterministic: repeated calls with the
// same inputs return the same id (spec §8, Recipient determinism).
func (r *Registry) GetOrCreate(channel, destination string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route := routeKey(channel, destination)
	if id, ok := r.byRoute[route]; ok {
		rec := r.byID[id]
		rec.LastSeenAt = r.clock()
		r.byID[id] = rec
		r.notifyLocked()
		return id, nil
	}

	id := ComputeID(channel, destination)
	if existing, ok := r.byID[id]; ok && routeKey(existing.Channel, existing.Destination) != route {
		return "", model.NewError(model.ErrRecipientCollision,
			"recipient id %s already maps to a different route", id).
			WithContext("existingChannel", existing.Channel).
			WithContext("requestedChannel", channel)
	}

	now := r.clock()
	r.byID[id] = model.RecipientRecord{
		RecipientID:  id,
		Channel:      channel,
		Destination:  destination,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	r.byRoute[route] = id
	r.notifyLocked()
	return id, nil
}

// Resolve returns the (channel, destination) route for id, if known.
func (r *Registry) Resolve(id string) (model.RecipientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// Lookup returns the id already assigned to (channel, destination), if any.
func (r *Registry) Lookup(channel, destination string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRoute[routeKey(channel, destination)]
	return id, ok
}

// GetRecord is an alias for Resolve kept for parity with spec §4.2's naming.
func (r *Registry) GetRecord(id string) (model.RecipientRecord, bool) {
	return r.Resolve(id)
}

// Touch refreshes lastSeenAt for id, if it exists.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	rec.LastSeenAt = r.clock()
	r.byID[id] = rec
	r.notifyLocked()
}

// GetAll returns a snapshot of every recipient record.
func (r *Registry) GetAll() []model.RecipientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RecipientRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

// Remove deletes a recipient record and its route entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byRoute, routeKey(rec.Channel, rec.Destination))
	r.notifyLocked()
}

// Export serializes the registry to a JSON array of RecipientRecord.
func (r *Registry) Export() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RecipientRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return json.Marshal(out)
}

// Import replaces the registry contents from a previously Export-ed
// snapshot. Rejects malformed ids (missing the rcpt_ prefix) and
// duplicate ids/routes; on any violation it returns an error and leaves
// the registry's current contents unchanged, never partially loaded.
func (r *Registry) Import(data []byte) error {
	var records []model.RecipientRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("recipient snapshot: invalid JSON: %w", err)
	}

	byID := make(map[string]model.RecipientRecord, len(records))
	byRoute := make(map[string]string, len(records))
	for _, rec := range records {
		if len(rec.RecipientID) < len(idPrefix) || rec.RecipientID[:len(idPrefix)] != idPrefix {
			return fmt.Errorf("recipient snapshot: id %q lacks %q prefix", rec.RecipientID, idPrefix)
		}
		if _, dup := byID[rec.RecipientID]; dup {
			return fmt.Errorf("recipient snapshot: duplicate id %q", rec.RecipientID)
		}
		route := routeKey(rec.Channel, rec.Destination)
		if _, dup := byRoute[route]; dup {
			return fmt.Errorf("recipient snapshot: duplicate route for channel %q", rec.Channel)
		}
		byID[rec.RecipientID] = rec
		byRoute[route] = rec.RecipientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.byRoute = byRoute
	return nil
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange()
	}
}

// PersistentRegistry wraps a Registry with a bbolt-backed snapshot store,
// debouncing writes the way the teacher's storage.DB (internal/storage/bolt.go
// in the reference pack) serializes mutations through a single bbolt writer.
type PersistentRegistry struct {
	*Registry

	db       *bolt.DB
	log      *zap.Logger
	debounce time.Duration

	flushMu   sync.Mutex
	dirty     bool
	timer     *time.Timer
	closed    chan struct{}
}

// OpenPersistent opens (or creates) a bbolt database at path and loads any
// existing recipient snapshot. A corrupt snapshot logs an error and starts
// empty rather than partially loading (spec §4.2).
func OpenPersistent(path string, debounce time.Duration, log *zap.Logger) (*PersistentRegistry, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucketName, err)
	}

	pr := &PersistentRegistry{
		Registry: New(),
		db:       bdb,
		log:      log,
		debounce: debounce,
		closed:   make(chan struct{}),
	}
	pr.Registry.onChange = pr.scheduleFlush

	var snapshot []byte
	if err := bdb.View(func(tx *bolt.Tx) error {
		snapshot = tx.Bucket([]byte(bucketName)).Get([]byte(snapshotKey))
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if snapshot != nil {
		if err := pr.Registry.Import(snapshot); err != nil {
			log.Error("corrupt recipient snapshot, starting empty", zap.Error(err))
			pr.Registry = New()
			pr.Registry.onChange = pr.scheduleFlush
		}
	}
	return pr, nil
}

// scheduleFlush arms the debounce timer unless it is already armed, so a
// burst of mutations is flushed once, debounce after the first of them.
// It runs with Registry.mu held (via notifyLocked) and does not take it.
func (pr *PersistentRegistry) scheduleFlush() {
	pr.flushMu.Lock()
	defer pr.flushMu.Unlock()
	pr.dirty = true
	if pr.timer != nil {
		return
	}
	pr.timer = time.AfterFunc(pr.debounce, func() {
		pr.flushMu.Lock()
		pr.timer = nil
		dirty := pr.dirty
		pr.dirty = false
		pr.flushMu.Unlock()
		if dirty {
			if err := pr.flush(); err != nil {
				pr.log.Error("recipient registry flush failed", zap.Error(err))
			}
		}
	})
}

func (pr *PersistentRegistry) flush() error {
	data, err := pr.Registry.Export()
	if err != nil {
		return err
	}
	return pr.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(snapshotKey), data)
	})
}

// Close performs a final atomic flush and closes the underlying database.
func (pr *PersistentRegistry) Close() error {
	pr.flushMu.Lock()
	if pr.timer != nil {
		pr.timer.Stop()
		pr.timer = nil
	}
	pr.flushMu.Unlock()

	if err := pr.flush(); err != nil {
		pr.log.Error("final recipient registry flush failed", zap.Error(err))
	}
	return pr.db.Close()
}
