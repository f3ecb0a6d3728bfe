// Package archive persists failed tasks after they leave the live queue so
// their error logs survive housekeeping. The archive is a local JSON file,
// optionally mirrored to a Google Cloud Storage bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/lockfile"
)

// Mirror uploads a snapshot of the archive file to remote storage.
type Mirror interface {
	Upload(ctx context.Context, data []byte) error
	Close() error
}

type Archive struct {
	path   string
	mirror Mirror
}

func New(path string, mirror Mirror) *Archive {
	return &Archive{path: path, mirror: mirror}
}

// Append adds failed tasks to the archive, skipping UUIDs already present.
// Appending is idempotent so housekeeping can re-run after a crash.
func (a *Archive) Append(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	err := lockfile.Update(a.path, func(archived []*domain.Task) ([]*domain.Task, error) {
		seen := make(map[string]bool, len(archived))
		for _, task := range archived {
			seen[task.UUID] = true
		}
		for _, task := range tasks {
			if task.Status != domain.StatusError || seen[task.UUID] {
				continue
			}
			archived = append(archived, task)
			seen[task.UUID] = true
		}
		return archived, nil
	})
	if err != nil {
		return fmt.Errorf("updating errors archive: %w", err)
	}

	if a.mirror != nil {
		data, err := os.ReadFile(a.path)
		if err != nil {
			return fmt.Errorf("reading archive for mirroring: %w", err)
		}
		if err := a.mirror.Upload(ctx, data); err != nil {
			// The local archive is authoritative; a failed mirror upload
			// is logged and retried on the next housekeeping round.
			slog.Error("mirroring errors archive failed", "error", err)
		}
	}
	return nil
}

// Load returns the archived tasks, oldest first.
func (a *Archive) Load() ([]*domain.Task, error) {
	var tasks []*domain.Task
	if err := lockfile.ReadJSON(a.path, &tasks); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return tasks, nil
}

// GCSMirror mirrors the archive file to a Google Cloud Storage object.
type GCSMirror struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSMirror creates a mirror writing to gs://bucket/prefix/errors.json.
// An empty credentialsFile falls back to application default credentials.
func NewGCSMirror(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSMirror, error) {
	var client *storage.Client
	var err error
	if credentialsFile != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	object := "errors.json"
	if prefix != "" {
		object = strings.TrimSuffix(prefix, "/") + "/" + object
	}
	return &GCSMirror{client: client, bucket: bucket, object: object}, nil
}

func (m *GCSMirror) Upload(ctx context.Context, data []byte) error {
	w := m.client.Bucket(m.bucket).Object(m.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing archive object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing archive object: %w", err)
	}
	return nil
}

func (m *GCSMirror) Close() error {
	return m.client.Close()
}
