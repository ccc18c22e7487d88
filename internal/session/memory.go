// File: internal/session/memory.go
package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[Key]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[Key]*Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[key]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Key] = snap.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s.clone())
	}
	sortSnapshots(out)
	return out, nil
}

// clone deep-copies so callers cannot mutate stored state.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.State.Cookies = append([]Cookie(nil), s.State.Cookies...)
	c.State.LocalStorage = cloneMap(s.State.LocalStorage)
	c.State.SessionStorage = cloneMap(s.State.SessionStorage)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortSnapshots(s []*Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Key < s[j].Key })
}
