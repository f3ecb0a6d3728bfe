// Package lockfile provides advisory-lock-guarded reads and writes of the
// JSON and YAML files shared between the ingest and scheduler processes.
// Writers stage into a temp file and rename, so readers observe either the
// previous or the new snapshot, never a partial one.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Lock acquisition bounds. Reads are short: a reader that cannot get the lock
// promptly should fail and retry at its own cadence rather than pile up.
const (
	ReadLockTimeout  = 100 * time.Millisecond
	WriteLockTimeout = 10 * time.Second
	YAMLReadTimeout  = 5 * time.Second

	lockRetryInterval = 10 * time.Millisecond
)

var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockPath returns the sidecar lock file path for a guarded file.
func LockPath(path string) string {
	return path + ".lock"
}

func withLock(path string, timeout time.Duration, exclusive bool, fn func() error) error {
	fl := flock.New(LockPath(path))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
	defer fl.Unlock()

	return fn()
}

// ReadJSON reads the file under a shared lock and unmarshals it into v.
// A missing file is reported as fs.ErrNotExist so callers can substitute
// their empty value.
func ReadJSON(path string, v any) error {
	return withLock(path, ReadLockTimeout, false, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	})
}

// WriteJSON marshals v and replaces the file atomically under an exclusive
// lock.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return withLock(path, WriteLockTimeout, true, func() error {
		return replaceFile(path, data)
	})
}

// ReadYAML reads the file under a shared lock and unmarshals it into v.
func ReadYAML(path string, v any) error {
	return withLock(path, YAMLReadTimeout, false, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	})
}

// WriteYAML marshals v and replaces the file atomically under an exclusive
// lock.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return withLock(path, WriteLockTimeout, true, func() error {
		return replaceFile(path, data)
	})
}

// Update performs a locked read-modify-write of a JSON file. fn receives the
// decoded current contents (the zero value when the file does not exist yet)
// and returns the value to persist. This is the only sanctioned mutation path
// for files shared across processes.
func Update[T any](path string, fn func(current T) (T, error)) error {
	return withLock(path, WriteLockTimeout, true, func() error {
		var current T
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// First write; start from the zero value.
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		return replaceFile(path, out)
	})
}

func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
