package scheduler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/archive"
	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/executor"
	"github.com/lyjw131/amdl/internal/notify"
	"github.com/lyjw131/amdl/internal/queue"
	"github.com/lyjw131/amdl/internal/sse"
	"github.com/lyjw131/amdl/internal/users"
)

type noTokens struct{}

func (noTokens) Get() (string, error) { return "tok", nil }
func (noTokens) Invalidate() error    { return nil }

type loopFixture struct {
	loop      *Loop
	store     *queue.Store
	archive   *archive.Archive
	errorsLog string
	resolved  chan string
}

// newLoopFixture wires a loop around a real queue and an executor whose
// binary does not exist, so launched tasks fail fast and reach a terminal
// state on their own.
func newLoopFixture(t *testing.T, cfg config.SchedulerConfig, execCfg config.ExecutorConfig) *loopFixture {
	t.Helper()
	dir := t.TempDir()

	sourcePath := filepath.Join(dir, "source.yaml")
	require.NoError(t, os.WriteFile(sourcePath, []byte("api_token: \"\"\n"), 0644))

	usersPath := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(usersPath, []byte("alice: {}\n"), 0644))

	if execCfg.BinaryPath == "" {
		execCfg.BinaryPath = filepath.Join(dir, "no-such-binary")
	}
	if execCfg.MaxGlobalProcesses == 0 {
		execCfg.MaxGlobalProcesses = 4
	}
	if execCfg.TrackWorkers == 0 {
		execCfg.TrackWorkers = 2
	}

	f := &loopFixture{
		store:     queue.NewStore(filepath.Join(dir, "tasks.json")),
		errorsLog: filepath.Join(dir, "errors.json"),
		resolved:  make(chan string, 8),
	}
	f.archive = archive.New(f.errorsLog, nil)

	exec := executor.New(
		execCfg,
		f.store,
		sse.NewBus(10),
		noTokens{},
		executor.NewSourceRenderer(sourcePath),
		nil,
	)
	notifier := notify.New(config.SMTPConfig{}, config.BarkConfig{}, users.NewDirectory(usersPath))

	f.loop = New(cfg, f.store, exec, notifier, f.archive, func(ctx context.Context, uuid string) {
		f.resolved <- uuid
	})
	f.loop.sleep = func(time.Duration) {}
	return f
}

func readyTask(uuid string) *domain.Task {
	return &domain.Task{
		UUID:     uuid,
		User:     "alice",
		Link:     "https://music.apple.com/cn/album/x/" + uuid,
		LinkInfo: domain.LinkInfo{Type: domain.TypeAlbum, Storefront: "cn", ID: uuid},
		Status:   domain.StatusReady,
		Metadata: &domain.Metadata{
			Name: "X", ID: uuid, TrackCount: 1,
			Tracks: []*domain.Track{{SongID: uuid + "-s1", TrackNumber: 1, Name: "one", URL: "https://t/" + uuid}},
		},
		SkipCheck: true,
	}
}

func (f *loopFixture) load(t *testing.T, uuid string) *domain.Task {
	t.Helper()
	tasks, err := f.store.Load()
	require.NoError(t, err)
	for _, task := range tasks {
		if task.UUID == uuid {
			return task
		}
	}
	return nil
}

func TestIterateLaunchesReadyTaskToTerminal(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{MaxRetries: 0, RetryDelaySeconds: 0},
	)
	require.NoError(t, f.store.Append(readyTask("a")))

	busy := f.loop.iterate(context.Background())
	assert.True(t, busy)

	// The missing binary fails the attempt, so the task lands in error.
	assert.Eventually(t, func() bool {
		got := f.load(t, "a")
		return got != nil && got.Status == domain.StatusError
	}, 3*time.Second, 20*time.Millisecond)

	got := f.load(t, "a")
	assert.NotEmpty(t, got.ProcessStartTime)
	assert.NotEmpty(t, got.ProcessCompleteTime)

	assert.Eventually(t, func() bool { return f.loop.runningCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestIterateRespectsParallelCap(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 1, FastPollSeconds: 1, LongPollSeconds: 5},
		// The retry delay keeps the launched task in flight long enough to
		// observe the cap.
		config.ExecutorConfig{MaxRetries: 3, RetryDelaySeconds: 5},
	)
	require.NoError(t, f.store.Append(readyTask("a"), readyTask("b"), readyTask("c")))

	f.loop.iterate(context.Background())

	assert.Equal(t, 1, f.loop.runningCount())
	assert.Equal(t, domain.StatusRunning, f.load(t, "a").Status)
	assert.Equal(t, domain.StatusReady, f.load(t, "b").Status)
	assert.Equal(t, domain.StatusReady, f.load(t, "c").Status)

	// A second pass with the slot still held launches nothing new.
	f.loop.iterate(context.Background())
	assert.Equal(t, 1, f.loop.runningCount())
}

func TestIterateRequeuesOrphans(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)
	orphan := readyTask("o")
	orphan.Metadata = nil
	orphan.ErrorReason = "stale"
	orphan.ProcessStartTime = domain.Now()
	require.NoError(t, f.store.Append(orphan))

	f.loop.iterate(context.Background())

	select {
	case uuid := <-f.resolved:
		assert.Equal(t, "o", uuid)
	case <-time.After(2 * time.Second):
		t.Fatal("orphan was not handed to the resolver")
	}

	got := f.load(t, "o")
	assert.Equal(t, domain.StatusPendingMeta, got.Status)
	assert.Empty(t, got.ErrorReason)
	assert.Empty(t, got.ProcessStartTime)
}

func TestIterateLeavesPendingMetaAlone(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)
	pending := readyTask("p")
	pending.Metadata = nil
	pending.Status = domain.StatusPendingMeta
	require.NoError(t, f.store.Append(pending))

	busy := f.loop.iterate(context.Background())
	assert.True(t, busy)
	assert.Empty(t, f.resolved)
	assert.Equal(t, domain.StatusPendingMeta, f.load(t, "p").Status)
}

func TestIterateHealsDriftedRunningStatus(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)
	task := readyTask("h")
	require.NoError(t, f.store.Append(task))

	// Simulate an external edit that flipped an in-flight task back to
	// ready.
	f.loop.setRunning("h", true)
	defer f.loop.setRunning("h", false)

	f.loop.iterate(context.Background())

	assert.Equal(t, domain.StatusRunning, f.load(t, "h").Status)
}

func TestIterateIdleHousekeeping(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)

	done := readyTask("ok")
	done.Status = domain.StatusFinish
	done.ProcessCompleteTime = domain.Now()
	failed := readyTask("bad")
	failed.Status = domain.StatusError
	failed.ErrorReason = "音轨 1 (one) 下载失败"
	failed.ProcessCompleteTime = domain.Now()
	require.NoError(t, f.store.Append(done, failed))

	busy := f.loop.iterate(context.Background())
	assert.False(t, busy)

	// Only the failed task was archived.
	archived, err := f.archive.Load()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "bad", archived[0].UUID)
	assert.Equal(t, "音轨 1 (one) 下载失败", archived[0].ErrorReason)

	// Terminal tasks were dropped from the live queue.
	tasks, err := f.store.Load()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestIterateHousekeepingRunsDespitePendingMeta(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)

	failed := readyTask("bad")
	failed.Status = domain.StatusError
	failed.ProcessCompleteTime = domain.Now()
	pending := readyTask("pending")
	pending.Metadata = nil
	pending.Status = domain.StatusPendingMeta
	require.NoError(t, f.store.Append(failed, pending))

	f.loop.iterate(context.Background())

	// The terminal record is archived and compacted away even while another
	// task is still resolving metadata.
	archived, err := f.archive.Load()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "bad", archived[0].UUID)

	tasks, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "pending", tasks[0].UUID)
}

func TestIterateNoHousekeepingOnEmptyQueue(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 2, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)

	busy := f.loop.iterate(context.Background())
	assert.False(t, busy)
	_, err := os.Stat(f.errorsLog)
	assert.True(t, os.IsNotExist(err))
}

func TestWakeNeverBlocks(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 1, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)
	for i := 0; i < 5; i++ {
		f.loop.Wake()
	}
	select {
	case <-f.loop.wake:
	default:
		t.Fatal("wake signal was not queued")
	}
}

func TestRunClearsQueueAtStartup(t *testing.T) {
	f := newLoopFixture(t,
		config.SchedulerConfig{MaxParallelTasks: 1, FastPollSeconds: 1, LongPollSeconds: 5},
		config.ExecutorConfig{},
	)
	require.NoError(t, f.store.Append(readyTask("stale")))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	err := f.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	tasks, loadErr := f.store.Load()
	require.NoError(t, loadErr)
	assert.Empty(t, tasks)
}

func TestWakeSignalRoundTrip(t *testing.T) {
	listener := listenWake(0)
	defer listener.close()
	require.NotNil(t, listener.conn, "udp bind failed")

	port := listener.conn.LocalAddr().(*net.UDPAddr).Port
	SendWake(port)

	select {
	case <-listener.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("wake datagram not received")
	}
}

func TestWakeSignalAnyPayloadWakes(t *testing.T) {
	listener := listenWake(0)
	defer listener.close()
	require.NotNil(t, listener.conn)

	// External wakers are not required to use the canonical payload; the
	// datagram itself is the signal.
	port := listener.conn.LocalAddr().(*net.UDPAddr).Port
	send, err := net.Dial("udp", (&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}).String())
	require.NoError(t, err)
	defer send.Close()
	_, err = send.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case <-listener.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram with a different payload did not wake the scheduler")
	}
}

func TestListenWakeDegradesWhenPortTaken(t *testing.T) {
	first := listenWake(0)
	defer first.close()
	require.NotNil(t, first.conn)
	port := first.conn.LocalAddr().(*net.UDPAddr).Port

	second := listenWake(port)
	defer second.close()
	assert.Nil(t, second.conn)

	// The degraded listener still exposes a never-firing wake channel.
	select {
	case <-second.wake:
		t.Fatal("degraded listener produced a wake")
	case <-time.After(100 * time.Millisecond):
	}
}
