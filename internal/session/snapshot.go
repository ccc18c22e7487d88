// File: internal/session/snapshot.go
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when no snapshot exists for a key.
	ErrNotFound = errors.New("session: snapshot not found")
	// ErrValidatorConflict is returned when a key is reused with a different
	// validator. Bump the key version when validation semantics change.
	ErrValidatorConflict = errors.New("session: key already registered with a different validator")
)

// DefaultKeyVersion tags session keys built from config defaults.
const DefaultKeyVersion = "v1"

// Key selects a snapshot. It is stable across runs for the same user.
type Key string

// NewKey derives the key for a user, e.g. "gui_session_v1_qa@example.test".
func NewKey(version, user string) Key {
	if version == "" {
		version = DefaultKeyVersion
	}
	return Key("gui_session_" + version + "_" + strings.TrimSpace(user))
}

func (k Key) String() string { return string(k) }

// Cookie is a browser cookie in store-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// State is the authentication state of a browser for one origin.
type State struct {
	Origin         string            `json:"origin"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
}

// Snapshot is a persisted State plus its identity.
type Snapshot struct {
	ID          string    `json:"id"`
	Key         Key       `json:"key"`
	ValidatorID string    `json:"validatorId"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validator checks that a restored session is still authenticated. ID is
// part of the session identity.
type Validator struct {
	ID    string
	Check func(ctx context.Context) error
}

// LoginFunc establishes a fresh authenticated session in the browser.
type LoginFunc func(ctx context.Context) error

// Browser is the slice of a browser session the manager needs.
type Browser interface {
	ClearState(ctx context.Context) error
	CaptureState(ctx context.Context) (State, error)
	RestoreState(ctx context.Context, state State) error
}

// Store persists snapshots.
type Store interface {
	Get(ctx context.Context, key Key) (*Snapshot, error)
	Put(ctx context.Context, snap *Snapshot) error
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context) ([]*Snapshot, error)
}

// Locker is implemented by stores that can serialize session creation
// across processes. WithLock runs fn while holding the lock for key; the
// store handed to fn must be used for every read and write of that key.
type Locker interface {
	WithLock(ctx context.Context, key Key, fn func(ctx context.Context, s Store) error) error
}
