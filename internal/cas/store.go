// Package cas implements a hash-addressed, deduplicating object store on
// top of the flat key-value blob store. Every stored entity is serialized,
// addressed by the SHA-256 of its bytes, and wrapped in an envelope tagged
// with its type; a per-type index record makes enumeration possible over a
// storage primitive that cannot list keys.
//
// Blob schema owned by this package:
//
//	cas:entry:<hash>  — JSON Envelope holding the serialized entity
//	cas:index:<type>  — JSON array of hashes stored under that type
package cas

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"scankeeper/internal/common"
	"scankeeper/internal/cryptox"
	"scankeeper/internal/logging"
	"scankeeper/internal/repositories/blob"
)

const (
	entryKeyPrefix = "cas:entry:"
	indexKeyPrefix = "cas:index:"
)

// Envelope is the durable form of one stored entity.
type Envelope struct {
	Hash     string          `json:"hash"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
}

// Handler receives the hash of a newly written or deleted entry. Handlers
// run synchronously on the calling goroutine and must not call back into the
// store that invoked them.
type Handler func(ctx context.Context, hash string) error

type subscriber struct {
	id int
	fn Handler
}

// Store is a content-addressable store for entities of type T. All methods
// are safe for concurrent use; the instance mutex serializes the
// check-then-write dedup sequence so at most one writer performs the
// physical write for any given hash.
type Store[T any] struct {
	blobs   blob.Store
	typeTag string
	log     logging.Logger

	mu     sync.Mutex
	subs   []subscriber
	nextID int
	now    func() time.Time
}

// New returns a Store for entities of type T tagged with typeTag.
func New[T any](blobs blob.Store, typeTag string, log logging.Logger) *Store[T] {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Store[T]{
		blobs:   blobs,
		typeTag: typeTag,
		log:     log.With("component", "cas", "type", typeTag),
		now:     time.Now,
	}
}

func entryKey(hash string) string    { return entryKeyPrefix + hash }
func (s *Store[T]) indexKey() string { return indexKeyPrefix + s.typeTag }

// Store serializes entity, computes its content hash, and writes it unless
// an entry with that hash already exists. Dedup is silent: the existing hash
// is returned without a write and without notifying subscribers. A new write
// notifies every subscriber in registration order; a handler error is
// returned to the caller (the write itself has already happened).
func (s *Store[T]) Store(ctx context.Context, entity T) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return "", fmt.Errorf("failed to serialize entity: %w", err)
	}
	if len(payload) == 0 || string(payload) == "null" {
		return "", fmt.Errorf("%w: entity is absent", common.ErrInvalidArgument)
	}

	hash := cryptox.HashContent(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.blobs.Get(ctx, entryKey(hash))
	if err != nil {
		return "", fmt.Errorf("failed to check entry %s: %w", hash, err)
	}
	if existing != nil {
		return hash, nil
	}

	env := Envelope{Hash: hash, Type: s.typeTag, Payload: payload, StoredAt: s.now().UTC()}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}
	if err := s.blobs.Set(ctx, entryKey(hash), data); err != nil {
		return "", fmt.Errorf("failed to write entry %s: %w", hash, err)
	}

	hashes, err := s.readIndex(ctx)
	if err != nil {
		return "", err
	}
	if err := s.writeIndex(ctx, append(hashes, hash)); err != nil {
		return "", err
	}

	return hash, s.notify(ctx, hash)
}

// Get returns the entity stored under hash. Absent is (zero, false, nil):
// a missing entry, an entry of a different type, an empty payload, and an
// unreadable envelope are all absent, never errors.
func (s *Store[T]) Get(ctx context.Context, hash string) (T, bool, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	data, err := s.blobs.Get(ctx, entryKey(hash))
	if err != nil {
		return zero, false, fmt.Errorf("failed to read entry %s: %w", hash, err)
	}
	if data == nil {
		return zero, false, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn(ctx, "discarding unreadable entry", "hash", hash, "error", err)
		return zero, false, nil
	}
	if env.Type != s.typeTag || len(env.Payload) == 0 || string(env.Payload) == "null" {
		return zero, false, nil
	}

	var entity T
	if err := json.Unmarshal(env.Payload, &entity); err != nil {
		s.log.Warn(ctx, "discarding undecodable payload", "hash", hash, "error", err)
		return zero, false, nil
	}
	return entity, true, nil
}

// Exists reports whether an entry is present for hash, regardless of whether
// its payload decodes to a T.
func (s *Store[T]) Exists(ctx context.Context, hash string) (bool, error) {
	data, err := s.blobs.Get(ctx, entryKey(hash))
	if err != nil {
		return false, fmt.Errorf("failed to read entry %s: %w", hash, err)
	}
	return data != nil, nil
}

// Delete removes the entry for hash. It is idempotent: deleting an absent
// hash succeeds. It returns false only when the underlying storage operation
// fails. Subscribers are notified on every successful delete. Delete does
// not observe cancellation: once called, it runs to completion.
func (s *Store[T]) Delete(ctx context.Context, hash string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.blobs.Remove(ctx, entryKey(hash)); err != nil {
		return false, fmt.Errorf("failed to delete entry %s: %w", hash, err)
	}

	hashes, err := s.readIndex(ctx)
	if err != nil {
		return false, err
	}
	kept := hashes[:0]
	for _, h := range hashes {
		if h != hash {
			kept = append(kept, h)
		}
	}
	if len(kept) != len(hashes) {
		if err := s.writeIndex(ctx, kept); err != nil {
			return false, err
		}
	}

	return true, s.notify(ctx, hash)
}

// All enumerates the entities stored under this store's type tag, reading
// lazily from storage. Enumeration yields a non-nil error and stops on the
// first storage failure.
func (s *Store[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		hashes, err := s.snapshotIndex(ctx)
		if err != nil {
			yield(zero, err)
			return
		}

		for _, hash := range hashes {
			entity, ok, err := s.Get(ctx, hash)
			if err != nil {
				yield(zero, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(entity, nil) {
				return
			}
		}
	}
}

// AllHashes enumerates one hash per stored entry of this store's type.
// It does not dedup: if the backing index somehow holds an address twice,
// both occurrences are yielded.
func (s *Store[T]) AllHashes(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		hashes, err := s.snapshotIndex(ctx)
		if err != nil {
			yield("", err)
			return
		}
		for _, hash := range hashes {
			if !yield(hash, nil) {
				return
			}
		}
	}
}

// Clear deletes every entry of this store's type, fail-fast: the first
// failed deletion aborts the remaining ones and is returned.
func (s *Store[T]) Clear(ctx context.Context) error {
	hashes, err := s.snapshotIndex(ctx)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		ok, err := s.Delete(ctx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: failed to delete entry %s", common.ErrStorageFailure, hash)
		}
	}
	return nil
}

// Subscribe registers a change handler and returns a cancel function that
// stops further delivery to that handler only.
func (s *Store[T]) Subscribe(h Handler) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: h})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers hash to every subscriber in registration order. Delivery
// is synchronous and not isolated: the first handler error aborts delivery
// to later subscribers and is returned. Callers hold s.mu.
func (s *Store[T]) notify(ctx context.Context, hash string) error {
	for _, sub := range s.subs {
		if err := sub.fn(ctx, hash); err != nil {
			return fmt.Errorf("change handler failed for %s: %w", hash, err)
		}
	}
	return nil
}

// readIndex loads the type index. Callers hold s.mu.
func (s *Store[T]) readIndex(ctx context.Context) ([]string, error) {
	data, err := s.blobs.Get(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", s.typeTag, err)
	}
	if data == nil {
		return nil, nil
	}
	var hashes []string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("%w: index %s is unreadable", common.ErrStorageFailure, s.typeTag)
	}
	return hashes, nil
}

// writeIndex stores the type index. Callers hold s.mu.
func (s *Store[T]) writeIndex(ctx context.Context, hashes []string) error {
	data, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("failed to serialize index %s: %w", s.typeTag, err)
	}
	if err := s.blobs.Set(ctx, s.indexKey(), data); err != nil {
		return fmt.Errorf("failed to write index %s: %w", s.typeTag, err)
	}
	return nil
}

// snapshotIndex reads the index under the instance lock so enumerations see
// a consistent list even while writers race.
func (s *Store[T]) snapshotIndex(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex(ctx)
}
