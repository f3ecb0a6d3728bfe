package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ansi "github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/queue"
	"github.com/lyjw131/amdl/internal/sse"
)

// TokenSource provides the api_token injected into each rendered downloader
// config, and accepts invalidation when a subprocess reports token failure.
type TokenSource interface {
	Get() (string, error)
	Invalidate() error
}

// NotifyFunc receives every terminal task for notification fan-out.
type NotifyFunc func(task *domain.Task, success bool)

type Executor struct {
	cfg    config.ExecutorConfig
	store  *queue.Store
	bus    *sse.Bus
	tokens TokenSource
	source *SourceRenderer
	runner Runner
	notify NotifyFunc

	// globalSem caps live downloader subprocesses across every task.
	// Verification subprocesses run outside it.
	globalSem *semaphore.Weighted

	// interactive enables a terminal progress bar per task.
	interactive bool

	sleep func(time.Duration)
}

func New(
	cfg config.ExecutorConfig,
	store *queue.Store,
	bus *sse.Bus,
	tokens TokenSource,
	source *SourceRenderer,
	notify NotifyFunc,
) *Executor {
	if notify == nil {
		notify = func(*domain.Task, bool) {}
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		tokens:    tokens,
		source:    source,
		runner:    NewExecRunner(cfg.BinaryPath),
		notify:    notify,
		globalSem: semaphore.NewWeighted(int64(cfg.MaxGlobalProcesses)),
		sleep:     time.Sleep,
	}
}

// SetInteractive turns on the terminal progress bar.
func (e *Executor) SetInteractive(v bool) { e.interactive = v }

type trackFailure struct {
	trackNumber int
	name        string
	err         error
}

// Execute runs one task to its terminal state. It never returns an error:
// every failure becomes the task's error record.
func (e *Executor) Execute(ctx context.Context, task *domain.Task) {
	tracks := e.effectiveTracks(task)

	var bar *progressbar.ProgressBar
	if e.interactive {
		bar = progressbar.NewOptions(
			len(tracks),
			progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
			progressbar.OptionFullWidth(),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", task.TypeNameZH(), task.DisplayName())),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}

	var (
		mu       sync.Mutex
		failures []trackFailure
	)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.TrackWorkers)
	for _, tr := range tracks {
		track := tr
		g.Go(func() error {
			if err := e.runTrack(ctx, task, track); err != nil {
				mu.Lock()
				failures = append(failures, trackFailure{
					trackNumber: track.TrackNumber,
					name:        track.Name,
					err:         err,
				})
				mu.Unlock()
			}
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].trackNumber < failures[j].trackNumber
		})
		first := failures[0]
		reason := fmt.Sprintf("音轨 %d (%s) 下载失败", first.trackNumber, first.name)
		e.fail(task, reason, first.err)
		return
	}

	if e.needsVerification(task) {
		if err := e.verify(ctx, task); err != nil {
			e.fail(task, "专辑校验失败", err)
			return
		}
	}

	e.finish(task)
}

// effectiveTracks returns the task's track list; single-song and MV tasks
// get one virtual track whose url is the task link itself.
func (e *Executor) effectiveTracks(task *domain.Task) []*domain.Track {
	if task.Metadata != nil && len(task.Metadata.Tracks) > 0 {
		return task.Metadata.Tracks
	}
	return []*domain.Track{{
		SongID:      task.LinkInfo.ID,
		TrackNumber: 1,
		Name:        task.DisplayName(),
		URL:         task.Link,
	}}
}

// runTrack supervises one track's subprocess through the retry budget. Each
// attempt holds a slot of the global semaphore.
func (e *Executor) runTrack(ctx context.Context, task *domain.Task, track *domain.Track) error {
	if err := e.globalSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.globalSem.Release(1)

	url := track.URL
	if url == "" {
		url = task.Link
	}

	// Every per-track invocation downloads one song; only the verification
	// pass runs the binary in album mode.
	args := []string{"--song"}
	if task.SkipCheck {
		args = append(args, "--skip-check")
	}

	retryDelay := time.Duration(e.cfg.RetryDelaySeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		err := e.attempt(ctx, task, track, url, args)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("track attempt failed",
			"uuid", task.UUID, "track", track.TrackNumber, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < e.cfg.MaxRetries {
			e.sleep(retryDelay)
		}
	}
	return fmt.Errorf("重试 %d 次后仍然失败: %w", e.cfg.MaxRetries, lastErr)
}

// attemptState accumulates sentinel outcomes across one subprocess run.
type attemptState struct {
	mu           sync.Mutex
	warnings     int
	errors       int
	tokenFailure bool
	eofFailure   bool
	autoRetry    bool
}

func (e *Executor) attempt(ctx context.Context, task *domain.Task, track *domain.Track, url string, args []string) error {
	tok, err := e.tokens.Get()
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}
	stdin, err := e.source.Render(task.User, tok)
	if err != nil {
		return err
	}

	st := &attemptState{}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := e.runner.Run(runCtx, url, args, stdin, func(line string) {
		e.handleLine(task, track, st, line, cancel)
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

// handleLine parses one output line, folds the resulting patch into the
// task's record on disk, and publishes it on the progress bus.
func (e *Executor) handleLine(task *domain.Task, track *domain.Track, st *attemptState, line string, kill context.CancelFunc) {
	ev, ok := ParseLine(line)
	if !ok {
		slog.Debug("downloader output", "uuid", task.UUID, "line", line)
		return
	}

	patch := sse.ProgressEvent{SongID: track.SongID}
	apply := func(t *domain.Track) {}

	switch ev.Kind {
	case EventProgress:
		percent := 0
		if ev.Total > 0 {
			percent = ev.Current * 100 / ev.Total
		}
		p := &domain.DownloadProgress{Current: ev.Current, Total: ev.Total, Percent: percent}
		patch.Progress = p
		apply = func(t *domain.Track) { t.DownloadProgress = p }

	case EventConnectionFailed:
		patch.ConnectionStatus = "failed"
		apply = func(t *domain.Track) { t.ConnectionStatus = "failed" }

	case EventConnected:
		patch.ConnectionStatus = "success"
		apply = func(t *domain.Track) { t.ConnectionStatus = "success" }

	case EventQuality:
		patch.BitDepth = ev.BitDepth
		patch.SampleRate = ev.SampleRate
		patch.ConnectionStatus = "success"
		apply = func(t *domain.Track) {
			t.BitDepth = ev.BitDepth
			t.SampleRate = ev.SampleRate
			t.ConnectionStatus = "success"
		}

	case EventDownloaded:
		patch.DownloadStatus = "success"
		apply = func(t *domain.Track) { t.DownloadStatus = "success" }

	case EventDecrypted:
		patch.DecryptionStatus = "success"
		apply = func(t *domain.Track) { t.DecryptionStatus = "success" }

	case EventAlreadyExists:
		patch.DownloadStatus = "exists"
		patch.DecryptionStatus = "exists"
		apply = func(t *domain.Track) {
			t.DownloadStatus = "exists"
			t.DecryptionStatus = "exists"
		}

	case EventLyricsFailed:
		patch.LyricsStatus = "failed"
		apply = func(t *domain.Track) { t.LyricsStatus = "failed" }

	case EventWarningCount:
		st.mu.Lock()
		if ev.Count > st.warnings {
			st.warnings = ev.Count
		}
		st.mu.Unlock()
		return

	case EventErrorCount:
		st.mu.Lock()
		if ev.Count > st.errors {
			st.errors = ev.Count
		}
		st.mu.Unlock()
		return

	case EventTokenFailure:
		st.mu.Lock()
		st.tokenFailure = true
		st.mu.Unlock()
		return

	case EventEOFFailure:
		st.mu.Lock()
		st.eofFailure = true
		st.mu.Unlock()
		return

	case EventAutoRetry:
		st.mu.Lock()
		st.autoRetry = true
		st.mu.Unlock()
		// The binary is waiting on an Enter that never comes; kill it and
		// let the retry loop respawn.
		kill()
		return

	default:
		return
	}

	e.patchTrack(task, track.SongID, apply)
	e.bus.PublishProgress(task.UUID, patch)
}

// patchTrack folds a state change into the queue file, locating the track by
// song id. Single-track tasks have no persisted track list to patch.
func (e *Executor) patchTrack(task *domain.Task, songID string, apply func(*domain.Track)) {
	err := e.store.UpdateTask(task.UUID, func(t *domain.Task) error {
		if t.Metadata == nil {
			return nil
		}
		for _, tr := range t.Metadata.Tracks {
			if tr.SongID == songID {
				apply(tr)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("persisting track state failed", "uuid", task.UUID, "song_id", songID, "error", err)
	}
}

func (e *Executor) finish(task *domain.Task) {
	err := e.store.UpdateTask(task.UUID, func(t *domain.Task) error {
		t.Status = domain.StatusFinish
		t.Checking = false
		t.ProcessCompleteTime = domain.Now()
		return nil
	})
	if err != nil {
		slog.Error("persisting task completion failed", "uuid", task.UUID, "error", err)
	}
	task.Status = domain.StatusFinish
	task.ProcessCompleteTime = domain.Now()

	slog.Info("task finished", "uuid", task.UUID, "name", task.DisplayName())
	e.announce(task, true)
	e.notify(task, true)
}

func (e *Executor) fail(task *domain.Task, reason string, cause error) {
	errLog := ""
	if cause != nil {
		errLog = cause.Error()
	}
	err := e.store.UpdateTask(task.UUID, func(t *domain.Task) error {
		t.Status = domain.StatusError
		t.Checking = false
		t.ErrorReason = reason
		t.ErrorLog = errLog
		t.ProcessCompleteTime = domain.Now()
		return nil
	})
	if err != nil {
		slog.Error("persisting task failure failed", "uuid", task.UUID, "error", err)
	}
	task.Status = domain.StatusError
	task.ErrorReason = reason
	task.ErrorLog = errLog
	task.ProcessCompleteTime = domain.Now()

	slog.Error("task failed", "uuid", task.UUID, "name", task.DisplayName(), "reason", reason, "cause", cause)
	e.announce(task, false)
	e.notify(task, false)
}

func (e *Executor) announce(task *domain.Task, success bool) {
	noticeType := "success"
	statusText := "下载成功"
	if !success {
		noticeType = "error"
		statusText = "下载失败"
	}
	e.bus.PublishNotice(sse.Notice{
		Event:     "task_completed",
		Type:      noticeType,
		UUID:      task.UUID,
		User:      task.User,
		TaskName:  task.DisplayName(),
		TaskType:  task.LinkInfo.Type,
		Message:   fmt.Sprintf("%s「%s」%s", task.TypeNameZH(), task.DisplayName(), statusText),
		Timestamp: domain.Now(),
	})
}
