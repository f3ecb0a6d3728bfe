package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/sse"
)

// needsVerification reports whether the completed album still needs the
// check pass: skipped when the task opted out or when every track was
// already present locally.
func (e *Executor) needsVerification(task *domain.Task) bool {
	if task.LinkInfo.Type != domain.TypeAlbum || task.SkipCheck {
		return false
	}
	fresh, err := e.reload(task.UUID)
	if err != nil || fresh == nil || fresh.Metadata == nil {
		return false
	}
	for _, tr := range fresh.Metadata.Tracks {
		if tr.DownloadStatus != "exists" || tr.DecryptionStatus != "exists" {
			return true
		}
	}
	return false
}

func (e *Executor) reload(uuid string) (*domain.Task, error) {
	tasks, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.UUID == uuid {
			return t, nil
		}
	}
	return nil, nil
}

// verify runs the album check subprocess. It is exempt from the global
// subprocess semaphore and never passes --skip-check. The binary reports
// progress as "Track N of M" where N is the position in disc-then-track
// order, so tracks are located positionally, not by song id.
func (e *Executor) verify(ctx context.Context, task *domain.Task) error {
	if err := e.store.UpdateTask(task.UUID, func(t *domain.Task) error {
		t.Checking = true
		return nil
	}); err != nil {
		slog.Warn("marking task checking failed", "uuid", task.UUID, "error", err)
	}

	retryDelay := time.Duration(e.cfg.RetryDelaySeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		err := e.verifyAttempt(ctx, task)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("verification attempt failed", "uuid", task.UUID, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < e.cfg.MaxRetries {
			e.sleep(retryDelay)
		}
	}
	return fmt.Errorf("校验重试 %d 次后仍然失败: %w", e.cfg.MaxRetries, lastErr)
}

type verifyState struct {
	attemptState
	ordinal int
}

func (e *Executor) verifyAttempt(ctx context.Context, task *domain.Task) error {
	tok, err := e.tokens.Get()
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}
	stdin, err := e.source.Render(task.User, tok)
	if err != nil {
		return err
	}

	st := &verifyState{}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := e.runner.Run(runCtx, task.Link, nil, stdin, func(line string) {
		e.handleVerifyLine(task, st, line, cancel)
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.tokenFailure {
		if err := e.tokens.Invalidate(); err != nil {
			slog.Error("token invalidation failed", "error", err)
		}
	}

	switch {
	case st.autoRetry:
		return fmt.Errorf("downloader requested retry")
	case st.tokenFailure:
		return fmt.Errorf("downloader detected token failure")
	case st.eofFailure:
		return fmt.Errorf("downloader connection dropped (EOF)")
	case st.errors > 0:
		return fmt.Errorf("downloader reported %d errors", st.errors)
	case runErr != nil:
		return runErr
	default:
		return nil
	}
}

func (e *Executor) handleVerifyLine(task *domain.Task, st *verifyState, line string, kill context.CancelFunc) {
	ev, ok := ParseLine(line)
	if !ok {
		slog.Debug("verification output", "uuid", task.UUID, "line", line)
		return
	}

	switch ev.Kind {
	case EventVerifyTrack:
		st.mu.Lock()
		st.ordinal = ev.TrackNumber
		st.mu.Unlock()

	case EventDownloaded, EventDecrypted, EventAlreadyExists, EventConnected:
		st.mu.Lock()
		ordinal := st.ordinal
		st.mu.Unlock()
		if ordinal > 0 {
			e.markChecked(task, ordinal)
		}

	case EventWarningCount:
		st.mu.Lock()
		if ev.Count > st.warnings {
			st.warnings = ev.Count
		}
		st.mu.Unlock()

	case EventErrorCount:
		st.mu.Lock()
		if ev.Count > st.errors {
			st.errors = ev.Count
		}
		st.mu.Unlock()

	case EventTokenFailure:
		st.mu.Lock()
		st.tokenFailure = true
		st.mu.Unlock()

	case EventEOFFailure:
		st.mu.Lock()
		st.eofFailure = true
		st.mu.Unlock()

	case EventAutoRetry:
		st.mu.Lock()
		st.autoRetry = true
		st.mu.Unlock()
		kill()
	}
}

// markChecked flags check_success on the ordinal-th track in disc-then-track
// order.
func (e *Executor) markChecked(task *domain.Task, ordinal int) {
	var songID string
	err := e.store.UpdateTask(task.UUID, func(t *domain.Task) error {
		if t.Metadata == nil {
			return nil
		}
		tr := trackAtOrdinal(t.Metadata.Tracks, ordinal)
		if tr == nil {
			return nil
		}
		tr.CheckSuccess = true
		songID = tr.SongID
		return nil
	})
	if err != nil {
		slog.Warn("persisting check result failed", "uuid", task.UUID, "ordinal", ordinal, "error", err)
		return
	}
	e.bus.PublishProgress(task.UUID, sse.ProgressEvent{SongID: songID, CheckSuccess: true})
}

// trackAtOrdinal returns the n-th (1-based) track after a stable sort by
// (disc number, track number).
func trackAtOrdinal(tracks []*domain.Track, n int) *domain.Track {
	if n < 1 || n > len(tracks) {
		return nil
	}
	order := make([]int, len(tracks))
	for i := range order {
		order[i] = i
	}
	disc := func(t *domain.Track) int {
		if t.DiscNumber != nil {
			return *t.DiscNumber
		}
		return 1
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := tracks[order[a]], tracks[order[b]]
		if disc(ta) != disc(tb) {
			return disc(ta) < disc(tb)
		}
		return ta.TrackNumber < tb.TrackNumber
	})
	return tracks[order[n-1]]
}
