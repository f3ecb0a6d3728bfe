// Package queue owns the on-disk task queue: a JSON array of task records
// shared between the ingest and scheduler processes. Every mutation is a
// locked read-modify-write with an atomic replace, and process-local
// listeners are notified after each successful write so long-poll handlers
// can unblock.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/lockfile"
)

var ErrTaskNotFound = errors.New("task not found")

type Store struct {
	path string

	// mu guards the change channel; the file lock in lockfile serializes the
	// actual disk access across processes.
	mu      sync.Mutex
	changed chan struct{}
}

func NewStore(path string) *Store {
	return &Store{
		path:    path,
		changed: make(chan struct{}),
	}
}

// Path returns the queue file location.
func (s *Store) Path() string {
	return s.path
}

// Changed returns a channel closed on the next queue mutation observed by
// this process. Callers re-fetch the channel after each wakeup.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Store) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Load returns the current queue snapshot. A missing file is an empty queue.
func (s *Store) Load() ([]*domain.Task, error) {
	var tasks []*domain.Task
	if err := lockfile.ReadJSON(s.path, &tasks); err != nil {
		if os.IsNotExist(err) {
			return []*domain.Task{}, nil
		}
		return nil, fmt.Errorf("reading task queue: %w", err)
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return tasks, nil
}

// Mutate runs fn on the current queue under the exclusive lock and persists
// whatever it returns. fn may return the same slice mutated in place.
func (s *Store) Mutate(fn func(tasks []*domain.Task) ([]*domain.Task, error)) error {
	err := lockfile.Update(s.path, func(tasks []*domain.Task) ([]*domain.Task, error) {
		if tasks == nil {
			tasks = []*domain.Task{}
		}
		next, err := fn(tasks)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []*domain.Task{}
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Append adds records to the end of the queue.
func (s *Store) Append(newTasks ...*domain.Task) error {
	return s.Mutate(func(tasks []*domain.Task) ([]*domain.Task, error) {
		return append(tasks, newTasks...), nil
	})
}

// UpdateTask locates a task by uuid and applies fn to it in place.
func (s *Store) UpdateTask(uuid string, fn func(t *domain.Task) error) error {
	return s.Mutate(func(tasks []*domain.Task) ([]*domain.Task, error) {
		for _, t := range tasks {
			if t.UUID == uuid {
				if err := fn(t); err != nil {
					return nil, err
				}
				return tasks, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, uuid)
	})
}

// Remove drops a task by uuid. Removing an absent uuid is not an error.
func (s *Store) Remove(uuid string) error {
	return s.Mutate(func(tasks []*domain.Task) ([]*domain.Task, error) {
		out := tasks[:0]
		for _, t := range tasks {
			if t.UUID != uuid {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// Clear replaces the queue with an empty array. The scheduler does this at
// boot so running state never leaks across restarts.
func (s *Store) Clear() error {
	return s.Mutate(func([]*domain.Task) ([]*domain.Task, error) {
		return []*domain.Task{}, nil
	})
}

// HasActive reports whether a non-terminal task exists for (user, link).
func HasActive(tasks []*domain.Task, user, link string) bool {
	for _, t := range tasks {
		if t.User == user && t.Link == link && !t.IsTerminal() {
			return true
		}
	}
	return false
}

// FindAlbum returns the first non-terminal album task matching (user, id).
func FindAlbum(tasks []*domain.Task, user, albumID string) *domain.Task {
	for _, t := range tasks {
		if t.User == user && t.LinkInfo.Type == domain.TypeAlbum && t.LinkInfo.ID == albumID && !t.IsTerminal() {
			return t
		}
	}
	return nil
}
