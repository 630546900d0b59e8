package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/jbweber/corral/internal/errdefs"
)

const (
	fileSuffix   = ".json"
	backupSuffix = ".json.backup"
	lockFile     = ".corral.lock"

	// DataFilePerm is the mode of state files.
	DataFilePerm = 0o644

	lockRetryDelay = 250 * time.Millisecond
)

// Store reads and writes cluster state files under one directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the state file path of a cluster.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+fileSuffix)
}

// Load reads a cluster's state. A missing file is reported as found=false
// with no error.
func (s *Store) Load(name string) (*ClusterState, bool, error) {
	path := s.Path(name)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	cs, err := decode(data)
	if err != nil {
		return nil, false, &errdefs.StateCorruptionError{Path: path, Err: err}
	}
	if cs.Name != name {
		return nil, false, &errdefs.StateCorruptionError{
			Path: path,
			Err:  fmt.Errorf("file records cluster %q", cs.Name),
		}
	}
	return cs, true, nil
}

func decode(data []byte) (*ClusterState, error) {
	var cs ClusterState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	if cs.Name == "" {
		return nil, fmt.Errorf("missing cluster_name")
	}
	if cs.Version != Version {
		return nil, fmt.Errorf("unsupported state version %q (expected %s)", cs.Version, Version)
	}
	return &cs, nil
}

// Save writes cs atomically: the document goes to a temporary file in the
// same directory, is synced and then renamed over the state file. Readers
// see either the previous document or the new one.
func (s *Store) Save(cs *ClusterState) error {
	if cs.Name == "" {
		return errdefs.Invalid("cluster name", "", "must not be empty")
	}

	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.LastModified = now
	cs.Version = Version

	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state of %s: %w", cs.Name, err)
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", s.dir, err)
	}
	return s.writeAtomic(s.Path(cs.Name), data)
}

func (s *Store) writeAtomic(path string, data []byte) (err error) {
	tmp, err := afero.TempFile(s.fs, s.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := s.fs.Chmod(tmpName, DataFilePerm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Delete removes a cluster's state file. Deleting a missing file is a no-op.
func (s *Store) Delete(name string) error {
	if err := s.fs.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state of %s: %w", name, err)
	}
	return nil
}

// Backup copies a cluster's state file to <name>.json.backup and returns
// the backup path.
func (s *Store) Backup(name string) (string, error) {
	data, err := afero.ReadFile(s.fs, s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &errdefs.NotFoundError{Kind: "cluster", Name: name}
		}
		return "", fmt.Errorf("failed to read state of %s: %w", name, err)
	}

	backup := filepath.Join(s.dir, name+backupSuffix)
	if err := s.writeAtomic(backup, data); err != nil {
		return "", err
	}
	return backup, nil
}

// Names lists every cluster with a state file, sorted.
func (s *Store) Names() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		// skips temp files from interrupted saves, backups and the lock file
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, fileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// List loads every cluster. A corrupted file fails the whole listing, since
// its claims cannot be known.
func (s *Store) List() ([]*ClusterState, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}

	out := make([]*ClusterState, 0, len(names))
	for _, name := range names {
		cs, found, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, cs)
		}
	}
	return out, nil
}

// Lock takes the host-wide advisory lock that serialises every
// read-modify-write of cluster state. It blocks until the lock is free or
// ctx is done. The lock lives on the real filesystem whatever Fs the store
// uses.
func (s *Store) Lock(ctx context.Context) (unlock func() error, err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", s.dir, err)
	}

	fl := flock.New(filepath.Join(s.dir, lockFile))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire state lock %s", fl.Path())
	}
	return fl.Unlock, nil
}
