package applemusic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/queue"
)

// Resolver fills in metadata for freshly accepted placeholder tasks. One
// Resolve call runs per accepted task, on its own goroutine; failures become
// task-level error records and never propagate.
type Resolver struct {
	client *Client
	store  *queue.Store
	wake   func()
}

// NewResolver builds a resolver. wake is invoked after a task reaches ready,
// typically sending the scheduler's UDP wake datagram; it may be nil.
func NewResolver(client *Client, store *queue.Store, wake func()) *Resolver {
	if wake == nil {
		wake = func() {}
	}
	return &Resolver{client: client, store: store, wake: wake}
}

// Resolve fetches metadata for the task identified by uuid and transitions it
// to ready, or to error with a reason.
func (r *Resolver) Resolve(ctx context.Context, uuid string) {
	tasks, err := r.store.Load()
	if err != nil {
		slog.Error("resolver could not read queue", "uuid", uuid, "error", err)
		return
	}

	var task *domain.Task
	for _, t := range tasks {
		if t.UUID == uuid {
			task = t
			break
		}
	}
	if task == nil {
		slog.Warn("resolver found no task for uuid", "uuid", uuid)
		return
	}

	info := task.LinkInfo
	if info.Type == domain.TypeSong {
		r.resolveSong(ctx, task)
		return
	}

	meta, err := r.client.FetchMetadata(ctx, info)
	if err != nil {
		r.fail(uuid, err)
		return
	}
	r.ready(uuid, task.Link, info, meta)
}

// resolveSong rewrites a song task into a task for its parent album. When an
// album task for the same user already exists, the song task is dropped.
func (r *Resolver) resolveSong(ctx context.Context, task *domain.Task) {
	songMeta, err := r.client.FetchMetadata(ctx, task.LinkInfo)
	if err != nil {
		r.fail(task.UUID, err)
		return
	}
	if songMeta.AlbumURL == "" {
		r.fail(task.UUID, errors.New("song has no parent album"))
		return
	}

	albumLink := domain.StripSongParam(songMeta.AlbumURL)
	albumInfo, err := domain.ParseLink(albumLink)
	if err != nil {
		r.fail(task.UUID, fmt.Errorf("parsing album link %s: %w", albumLink, err))
		return
	}

	tasks, err := r.store.Load()
	if err != nil {
		r.fail(task.UUID, err)
		return
	}
	if existing := queue.FindAlbum(tasks, task.User, albumInfo.ID); existing != nil && existing.UUID != task.UUID {
		slog.Info("song task folded into existing album task",
			"song_uuid", task.UUID, "album_uuid", existing.UUID, "album_id", albumInfo.ID)
		if err := r.store.Remove(task.UUID); err != nil {
			slog.Error("removing duplicate song task failed", "uuid", task.UUID, "error", err)
		}
		return
	}

	albumMeta, err := r.client.FetchMetadata(ctx, albumInfo)
	if err != nil {
		r.fail(task.UUID, err)
		return
	}
	r.ready(task.UUID, albumLink, albumInfo, albumMeta)
}

func (r *Resolver) ready(uuid, link string, info domain.LinkInfo, meta *domain.Metadata) {
	err := r.store.UpdateTask(uuid, func(t *domain.Task) error {
		t.Link = link
		t.LinkInfo = info
		t.Metadata = meta
		t.Status = domain.StatusReady
		return nil
	})
	if err != nil {
		slog.Error("persisting resolved metadata failed", "uuid", uuid, "error", err)
		return
	}
	slog.Info("task ready", "uuid", uuid, "type", info.Type, "name", meta.Name)
	r.wake()
}

func (r *Resolver) fail(uuid string, cause error) {
	slog.Error("metadata resolution failed", "uuid", uuid, "error", cause)
	err := r.store.UpdateTask(uuid, func(t *domain.Task) error {
		t.Status = domain.StatusError
		t.ErrorReason = ErrMetadataFailed.Error()
		t.ErrorLog = cause.Error()
		t.ProcessCompleteTime = domain.Now()
		return nil
	})
	if err != nil {
		slog.Error("persisting metadata failure failed", "uuid", uuid, "error", err)
	}
}
