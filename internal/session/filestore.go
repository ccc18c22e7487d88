// File: internal/session/filestore.go
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	snapshotExt = ".json"
	lockExt     = ".lock"
	lockPoll    = 50 * time.Millisecond
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps one JSON file per key in a directory shared by every
// worker on the machine. Writes replace the file atomically and writers
// serialize on an advisory lock held on a file next to it.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session cache dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger.Named("filestore")}, nil
}

func (f *FileStore) path(key Key) string {
	return filepath.Join(f.dir, url.PathEscape(string(key))+snapshotExt)
}

func (f *FileStore) Get(_ context.Context, key Key) (*Snapshot, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A torn or foreign file is as good as missing.
		f.logger.Warn("Discarding unreadable snapshot file.", zap.String("key", key.String()), zap.Error(err))
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (f *FileStore) Put(ctx context.Context, snap *Snapshot) error {
	unlock, err := f.lock(ctx, snap.Key)
	if err != nil {
		return err
	}
	defer unlock()
	return f.write(snap)
}

func (f *FileStore) write(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, url.PathEscape(string(snap.Key))+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path(snap.Key)); err != nil {
		return fmt.Errorf("swap snapshot into place: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, key Key) error {
	unlock, err := f.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return f.remove(key)
}

func (f *FileStore) remove(key Key) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]*Snapshot, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list session cache dir: %w", err)
	}
	var out []*Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		raw, err := url.PathUnescape(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			continue
		}
		snap, err := f.Get(ctx, Key(raw))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out, nil
}

// WithLock runs fn holding the lock file for key.
func (f *FileStore) WithLock(ctx context.Context, key Key, fn func(context.Context, Store) error) error {
	unlock, err := f.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx, lockedFileStore{f})
}

// lockedFileStore is a FileStore view whose writes assume the caller
// already holds the key's lock.
type lockedFileStore struct {
	*FileStore
}

func (l lockedFileStore) Put(_ context.Context, snap *Snapshot) error {
	return l.write(snap)
}

func (l lockedFileStore) Delete(_ context.Context, key Key) error {
	return l.remove(key)
}

func (f *FileStore) lockPath(key Key) string {
	return filepath.Join(f.dir, url.PathEscape(string(key))+lockExt)
}

// lock takes the cross-process lock for key. The kernel drops the lock
// when its holder exits, so a crashed worker never wedges the key. The
// lock file itself stays on disk.
func (f *FileStore) lock(ctx context.Context, key Key) (func(), error) {
	fl := flock.New(f.lockPath(key))
	ok, err := fl.TryLockContext(ctx, lockPoll)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for session lock %s: %w", key, err)
		}
		return nil, fmt.Errorf("take session lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("wait for session lock %s: %w", key, context.Canceled)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			f.logger.Warn("Failed to release session lock.", zap.String("key", key.String()), zap.Error(err))
		}
	}, nil
}
