package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyjw131/amdl/internal/domain"
)

func TestSubscribeProgressReplaysCachedState(t *testing.T) {
	bus := NewBus(10)

	bus.PublishProgress("task1", ProgressEvent{SongID: "a", DownloadStatus: "downloading"})
	bus.PublishProgress("task1", ProgressEvent{SongID: "b", DownloadStatus: "downloading"})
	bus.PublishProgress("task1", ProgressEvent{SongID: "a", DownloadStatus: "completed", BitDepth: 24})

	sub, err := bus.SubscribeProgress("task1")
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	// One merged snapshot per track, in first-seen order.
	first := (<-sub.C).(ProgressEvent)
	assert.Equal(t, "a", first.SongID)
	assert.Equal(t, "completed", first.DownloadStatus)
	assert.Equal(t, 24, first.BitDepth)

	second := (<-sub.C).(ProgressEvent)
	assert.Equal(t, "b", second.SongID)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra replay event: %+v", ev)
	default:
	}
}

func TestPublishProgressReachesLiveSubscribers(t *testing.T) {
	bus := NewBus(10)

	sub, err := bus.SubscribeProgress("task1")
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	other, err := bus.SubscribeProgress("task2")
	require.NoError(t, err)
	defer bus.Unsubscribe(other)

	bus.PublishProgress("task1", ProgressEvent{
		SongID:   "a",
		Progress: &domain.DownloadProgress{Current: 50, Total: 100, Percent: 50},
	})

	got := (<-sub.C).(ProgressEvent)
	assert.Equal(t, 50, got.Progress.Percent)

	select {
	case ev := <-other.C:
		t.Fatalf("event leaked to another task's stream: %+v", ev)
	default:
	}
}

func TestConnectionLimit(t *testing.T) {
	bus := NewBus(2)

	a, err := bus.SubscribeProgress("t")
	require.NoError(t, err)
	b, err := bus.SubscribeNotice()
	require.NoError(t, err)

	_, err = bus.SubscribeProgress("t")
	assert.ErrorIs(t, err, ErrTooManyConnections)
	_, err = bus.SubscribeNotice()
	assert.ErrorIs(t, err, ErrTooManyConnections)

	bus.Unsubscribe(a)
	c, err := bus.SubscribeNotice()
	require.NoError(t, err)

	bus.Unsubscribe(b)
	bus.Unsubscribe(c)
}

func TestPublishNoticeClearsProgressCache(t *testing.T) {
	bus := NewBus(10)
	bus.PublishProgress("task1", ProgressEvent{SongID: "a", DownloadStatus: "completed"})

	noticeSub, err := bus.SubscribeNotice()
	require.NoError(t, err)
	defer bus.Unsubscribe(noticeSub)

	bus.PublishNotice(Notice{Event: "task_update", Type: "success", UUID: "task1", Message: "done"})

	got := (<-noticeSub.C).(Notice)
	assert.Equal(t, "task1", got.UUID)

	// A new progress subscriber gets no replay for the finished task.
	sub, err := bus.SubscribeProgress("task1")
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)
	select {
	case ev := <-sub.C:
		t.Fatalf("stale replay after completion: %+v", ev)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(10)
	sub, err := bus.SubscribeProgress("t")
	require.NoError(t, err)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	assert.Zero(t, bus.Status().Connections)
}

func TestStatus(t *testing.T) {
	bus := NewBus(10)
	a, _ := bus.SubscribeProgress("t1")
	b, _ := bus.SubscribeProgress("t1")
	c, _ := bus.SubscribeNotice()
	defer func() {
		bus.Unsubscribe(a)
		bus.Unsubscribe(b)
		bus.Unsubscribe(c)
	}()

	st := bus.Status()
	assert.Equal(t, 3, st.Connections)
	assert.Equal(t, 10, st.MaxConnections)
	assert.Equal(t, 2, st.TaskClients["t1"])
	assert.Equal(t, 1, st.NoticeClients)
}
