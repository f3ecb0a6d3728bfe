// Package scheduler drives the download queue: it launches ready tasks up to
// the parallelism cap, repairs inconsistent queue state, and runs idle
// housekeeping. It is the only component that moves tasks into the running
// state.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/archive"
	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/executor"
	"github.com/lyjw131/amdl/internal/notify"
	"github.com/lyjw131/amdl/internal/queue"
)

const housekeepingPause = 2 * time.Second

type Loop struct {
	cfg      config.SchedulerConfig
	store    *queue.Store
	executor *executor.Executor
	notifier *notify.Notifier
	archive  *archive.Archive

	// resolve re-fetches metadata for a task reset to pending state.
	resolve func(ctx context.Context, uuid string)

	mu      sync.Mutex
	running map[string]bool

	wake  chan struct{}
	sleep func(time.Duration)
}

func New(cfg config.SchedulerConfig, store *queue.Store, exec *executor.Executor, notifier *notify.Notifier, arc *archive.Archive, resolve func(ctx context.Context, uuid string)) *Loop {
	return &Loop{
		cfg:      cfg,
		store:    store,
		executor: exec,
		notifier: notifier,
		archive:  arc,
		resolve:  resolve,
		running:  make(map[string]bool),
		wake:     make(chan struct{}, 1),
		sleep:    time.Sleep,
	}
}

// Run blocks until ctx is cancelled. The queue is cleared at startup: tasks
// surviving from a previous run cannot be resumed because their executor
// processes are gone.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.store.Clear(); err != nil {
		return err
	}
	slog.Info("queue cleared at startup")

	listener := listenWake(l.cfg.SignalPort)
	defer listener.close()

	fast := time.Duration(l.cfg.FastPollSeconds) * time.Second
	long := time.Duration(l.cfg.LongPollSeconds) * time.Second

	for {
		busy := l.iterate(ctx)

		interval := long
		if busy {
			interval = fast
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-listener.wake:
			slog.Debug("woken by signal")
		case <-l.wake:
		case <-time.After(interval):
		}
	}
}

// iterate performs one scheduling pass and reports whether the queue still
// has work in flight (which selects the fast poll interval).
func (l *Loop) iterate(ctx context.Context) (busy bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler pass panicked", "panic", r)
			busy = true
		}
	}()

	tasks, err := l.store.Load()
	if err != nil {
		slog.Error("reading queue failed", "error", err)
		return true
	}

	l.requeueOrphans(ctx, tasks)
	l.healRunning(tasks)

	launched := l.launchReady(ctx, tasks)

	if !launched && l.idle(tasks) {
		l.housekeep(ctx, tasks)
		return false
	}

	for _, task := range tasks {
		if !task.IsTerminal() {
			return true
		}
	}
	return launched
}

// requeueOrphans resets tasks that lost their metadata mid-flight (for
// example after an ingest crash between accept and resolve) back to the
// pending state and kicks off resolution again.
func (l *Loop) requeueOrphans(ctx context.Context, tasks []*domain.Task) {
	for _, task := range tasks {
		if task.Metadata != nil || task.Status == domain.StatusPendingMeta {
			continue
		}
		if l.isRunning(task.UUID) {
			continue
		}
		uuid := task.UUID
		slog.Warn("requeueing orphaned task", "uuid", uuid, "status", task.Status)
		err := l.store.UpdateTask(uuid, func(t *domain.Task) error {
			t.Status = domain.StatusPendingMeta
			t.ErrorReason = ""
			t.ErrorLog = ""
			t.ProcessStartTime = ""
			t.ProcessCompleteTime = ""
			return nil
		})
		if err != nil {
			slog.Error("orphan requeue failed", "uuid", uuid, "error", err)
			continue
		}
		if l.resolve != nil {
			go l.resolve(ctx, uuid)
		}
	}
}

// healRunning forces the on-disk status of tasks this process is actively
// executing back to running. External queue edits must not cause a task to
// be launched twice.
func (l *Loop) healRunning(tasks []*domain.Task) {
	for _, task := range tasks {
		if task.Status != domain.StatusReady || !l.isRunning(task.UUID) {
			continue
		}
		uuid := task.UUID
		slog.Warn("repairing drifted task status", "uuid", uuid)
		err := l.store.UpdateTask(uuid, func(t *domain.Task) error {
			t.Status = domain.StatusRunning
			return nil
		})
		if err != nil {
			slog.Error("status repair failed", "uuid", uuid, "error", err)
		}
	}
}

func (l *Loop) launchReady(ctx context.Context, tasks []*domain.Task) bool {
	launched := false
	for _, task := range tasks {
		if l.runningCount() >= l.cfg.MaxParallelTasks {
			break
		}
		if task.Status != domain.StatusReady || l.isRunning(task.UUID) {
			continue
		}

		uuid := task.UUID
		l.setRunning(uuid, true)
		err := l.store.UpdateTask(uuid, func(t *domain.Task) error {
			t.Status = domain.StatusRunning
			t.ProcessStartTime = domain.Now()
			return nil
		})
		if err != nil {
			slog.Error("marking task running failed", "uuid", uuid, "error", err)
			l.setRunning(uuid, false)
			continue
		}

		slog.Info("launching task", "uuid", uuid, "user", task.User, "name", task.DisplayName())
		launched = true
		running := task
		go func() {
			defer func() {
				l.setRunning(running.UUID, false)
				l.Wake()
			}()
			l.executor.Execute(ctx, running)
		}()
	}
	return launched
}

// idle reports whether nothing is running or ready and at least one terminal
// record is waiting for housekeeping. Tasks still resolving metadata do not
// block: their records survive compaction anyway.
func (l *Loop) idle(tasks []*domain.Task) bool {
	if l.runningCount() > 0 {
		return false
	}
	terminal := false
	for _, task := range tasks {
		switch task.Status {
		case domain.StatusReady, domain.StatusRunning:
			return false
		}
		if task.IsTerminal() {
			terminal = true
		}
	}
	return terminal
}

// housekeep runs when the queue holds only terminal tasks: send summary
// emails, archive the failures, give SSE consumers a moment to drain, then
// drop the terminal records from the live queue.
func (l *Loop) housekeep(ctx context.Context, tasks []*domain.Task) {
	slog.Info("queue idle, running housekeeping", "terminal_tasks", len(tasks))

	l.notifier.SendSummaries(tasks)

	var failed []*domain.Task
	for _, task := range tasks {
		if task.Status == domain.StatusError {
			failed = append(failed, task)
		}
	}
	if err := l.archive.Append(ctx, failed); err != nil {
		slog.Error("archiving failed tasks failed", "error", err)
		return
	}

	l.sleep(housekeepingPause)

	err := l.store.Mutate(func(current []*domain.Task) ([]*domain.Task, error) {
		kept := current[:0]
		for _, task := range current {
			if !task.IsTerminal() {
				kept = append(kept, task)
			}
		}
		return kept, nil
	})
	if err != nil {
		slog.Error("queue compaction failed", "error", err)
		return
	}
	slog.Info("housekeeping complete")
}

// Wake triggers an immediate scheduling pass.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isRunning(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[uuid]
}

func (l *Loop) runningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

func (l *Loop) setRunning(uuid string, v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v {
		l.running[uuid] = true
	} else {
		delete(l.running, uuid)
	}
}
