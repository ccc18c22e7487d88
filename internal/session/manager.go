// File: internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tune one GetOrCreate call.
type Options struct {
	// CacheAcrossRuns reads and writes the durable store in addition to the
	// process-local cache.
	CacheAcrossRuns bool
}

// Manager caches authenticated browser sessions by key. It is safe for
// concurrent use; calls for the same key are serialized.
type Manager struct {
	memory  *MemoryStore
	durable Store
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	keyLocks   map[Key]*sync.Mutex
	validators map[Key]string
}

// NewManager creates a manager. durable may be nil, in which case snapshots
// never outlive the process.
func NewManager(durable Store, logger *zap.Logger) *Manager {
	return &Manager{
		memory:     NewMemoryStore(),
		durable:    durable,
		logger:     logger.Named("session"),
		now:        time.Now,
		keyLocks:   make(map[Key]*sync.Mutex),
		validators: make(map[Key]string),
	}
}

// GetOrCreate makes b hold an authenticated session for key.
//
// Without a snapshot it clears the browser, runs login, captures and stores
// the state, then validates it once. With a snapshot it clears the browser,
// restores the snapshot and validates; if that fails the snapshot is
// invalidated and login runs exactly once more. Errors from login are
// returned unchanged.
func (m *Manager) GetOrCreate(ctx context.Context, b Browser, key Key, login LoginFunc, v Validator, opts Options) (*Snapshot, error) {
	if v.Check == nil {
		return nil, fmt.Errorf("session %s: validator %q has no check", key, v.ID)
	}
	if err := m.register(key, v.ID); err != nil {
		return nil, err
	}

	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if !opts.CacheAcrossRuns || m.durable == nil {
		return m.resolve(ctx, nil, b, key, login, v)
	}

	locker, ok := m.durable.(Locker)
	if !ok {
		return m.resolve(ctx, m.durable, b, key, login, v)
	}
	var snap *Snapshot
	err := locker.WithLock(ctx, key, func(ctx context.Context, s Store) error {
		var err error
		snap, err = m.resolve(ctx, s, b, key, login, v)
		return err
	})
	return snap, err
}

// Invalidate drops the snapshot for key from every store.
func (m *Manager) Invalidate(ctx context.Context, key Key) error {
	_ = m.memory.Delete(ctx, key)
	if m.durable == nil {
		return nil
	}
	return m.durable.Delete(ctx, key)
}

func (m *Manager) register(key Key, validatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.validators[key]; ok && existing != validatorID {
		return fmt.Errorf("%w: %s uses %q, got %q", ErrValidatorConflict, key, existing, validatorID)
	}
	m.validators[key] = validatorID
	return nil
}

func (m *Manager) keyLock(key Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

func (m *Manager) resolve(ctx context.Context, durable Store, b Browser, key Key, login LoginFunc, v Validator) (*Snapshot, error) {
	log := m.logger.With(zap.String("key", key.String()), zap.String("validator", v.ID))

	snap, err := m.lookup(ctx, durable, key, v.ID, log)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		log.Info("No session snapshot found; logging in.")
		return m.create(ctx, durable, b, key, login, v, log)
	}

	reason := m.restore(ctx, b, snap, v)
	if reason == nil {
		log.Info("Session restored from snapshot.", zap.String("snapshot_id", snap.ID), zap.Time("created_at", snap.CreatedAt))
		return snap, nil
	}

	log.Warn("Session snapshot is stale; logging in again.", zap.String("snapshot_id", snap.ID), zap.Error(reason))
	m.drop(ctx, durable, key, log)
	return m.create(ctx, durable, b, key, login, v, log)
}

// lookup returns nil without error when there is no usable snapshot.
func (m *Manager) lookup(ctx context.Context, durable Store, key Key, validatorID string, log *zap.Logger) (*Snapshot, error) {
	snap, err := m.memory.Get(ctx, key)
	if err == nil {
		return snap, nil
	}
	if durable == nil {
		return nil, nil
	}

	snap, err = durable.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: load snapshot: %w", key, err)
	}
	if snap.ValidatorID != validatorID {
		log.Warn("Persisted snapshot was created with another validator; discarding it.", zap.String("snapshot_validator", snap.ValidatorID))
		m.drop(ctx, durable, key, log)
		return nil, nil
	}
	_ = m.memory.Put(ctx, snap)
	return snap, nil
}

func (m *Manager) restore(ctx context.Context, b Browser, snap *Snapshot, v Validator) error {
	if err := b.ClearState(ctx); err != nil {
		return fmt.Errorf("clear browser state: %w", err)
	}
	if err := b.RestoreState(ctx, snap.State); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return v.Check(ctx)
}

func (m *Manager) create(ctx context.Context, durable Store, b Browser, key Key, login LoginFunc, v Validator, log *zap.Logger) (*Snapshot, error) {
	if err := b.ClearState(ctx); err != nil {
		return nil, fmt.Errorf("session %s: clear browser state: %w", key, err)
	}
	if err := login(ctx); err != nil {
		return nil, err
	}

	state, err := b.CaptureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("session %s: capture state: %w", key, err)
	}
	snap := &Snapshot{
		ID:          uuid.NewString(),
		Key:         key,
		ValidatorID: v.ID,
		State:       state,
		CreatedAt:   m.now().UTC(),
	}

	_ = m.memory.Put(ctx, snap)
	if durable != nil {
		if err := durable.Put(ctx, snap); err != nil {
			// The session is still usable in this process.
			log.Warn("Failed to persist session snapshot.", zap.Error(err))
		}
	}

	if err := v.Check(ctx); err != nil {
		m.drop(ctx, durable, key, log)
		return nil, fmt.Errorf("session %s: validation failed after fresh login: %w", key, err)
	}
	log.Info("Session snapshot created.", zap.String("snapshot_id", snap.ID), zap.Int("cookies", len(state.Cookies)))
	return snap, nil
}

func (m *Manager) drop(ctx context.Context, durable Store, key Key, log *zap.Logger) {
	_ = m.memory.Delete(ctx, key)
	if durable == nil {
		return
	}
	if err := durable.Delete(ctx, key); err != nil {
		log.Warn("Failed to delete persisted snapshot.", zap.Error(err))
	}
}
