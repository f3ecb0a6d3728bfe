// Package sse carries real-time events from executors to browser clients:
// per-task progress streams and a global notice stream for task completion.
package sse

import (
	"errors"
	"sync"

	"github.com/lyjw131/amdl/internal/domain"
)

var ErrTooManyConnections = errors.New("sse connection limit reached")

// subscriberBuffer bounds each subscriber's queue. Publishes to a full
// subscriber drop the newest event rather than block the executor.
const subscriberBuffer = 64

// ProgressEvent is one per-track state patch streamed to clients.
type ProgressEvent struct {
	SongID           string                   `json:"song_id"`
	Progress         *domain.DownloadProgress `json:"progress,omitempty"`
	DownloadStatus   string                   `json:"download_status,omitempty"`
	DecryptionStatus string                   `json:"decryption_status,omitempty"`
	ConnectionStatus string                   `json:"connection_status,omitempty"`
	LyricsStatus     string                   `json:"lyrics_status,omitempty"`
	BitDepth         int                      `json:"bit_depth,omitempty"`
	SampleRate       int                      `json:"sample_rate,omitempty"`
	CheckSuccess     bool                     `json:"check_success,omitempty"`
}

// Notice is a task-completion event on the global stream.
type Notice struct {
	Event     string `json:"event"`
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	User      string `json:"user"`
	TaskName  string `json:"task_name"`
	TaskType  string `json:"task_type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Subscription is one client's bounded event queue.
type Subscription struct {
	C    chan any
	uuid string // empty for notice subscribers
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	TaskClients    map[string]int `json:"task_clients"`
	NoticeClients  int            `json:"notice_clients"`
}

type Bus struct {
	mu       sync.Mutex
	maxConns int

	taskSubs   map[string]map[*Subscription]struct{}
	noticeSubs map[*Subscription]struct{}

	// Latest progress per (task, song), replayed to new subscribers so they
	// start from a consistent snapshot.
	progressCache map[string]map[string]ProgressEvent
	cacheOrder    map[string][]string
}

func NewBus(maxConns int) *Bus {
	return &Bus{
		maxConns:      maxConns,
		taskSubs:      make(map[string]map[*Subscription]struct{}),
		noticeSubs:    make(map[*Subscription]struct{}),
		progressCache: make(map[string]map[string]ProgressEvent),
		cacheOrder:    make(map[string][]string),
	}
}

func (b *Bus) connCount() int {
	n := len(b.noticeSubs)
	for _, subs := range b.taskSubs {
		n += len(subs)
	}
	return n
}

// SubscribeProgress registers a client for one task's progress stream. The
// subscription channel is pre-filled with the cached per-track snapshot, so
// replayed state precedes any live update.
func (b *Bus) SubscribeProgress(uuid string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connCount() >= b.maxConns {
		return nil, ErrTooManyConnections
	}

	sub := &Subscription{C: make(chan any, subscriberBuffer), uuid: uuid}
	if b.taskSubs[uuid] == nil {
		b.taskSubs[uuid] = make(map[*Subscription]struct{})
	}
	b.taskSubs[uuid][sub] = struct{}{}

	for _, songID := range b.cacheOrder[uuid] {
		select {
		case sub.C <- b.progressCache[uuid][songID]:
		default:
		}
	}
	return sub, nil
}

// SubscribeNotice registers a client for the global completion stream.
func (b *Bus) SubscribeNotice() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connCount() >= b.maxConns {
		return nil, ErrTooManyConnections
	}
	sub := &Subscription{C: make(chan any, subscriberBuffer)}
	b.noticeSubs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe drops a client; its channel is closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.uuid != "" {
		if subs := b.taskSubs[sub.uuid]; subs != nil {
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.C)
			}
			if len(subs) == 0 {
				delete(b.taskSubs, sub.uuid)
			}
		}
		return
	}
	if _, ok := b.noticeSubs[sub]; ok {
		delete(b.noticeSubs, sub)
		close(sub.C)
	}
}

// PublishProgress caches and fans out one track patch for a task.
func (b *Bus) PublishProgress(uuid string, ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.progressCache[uuid] == nil {
		b.progressCache[uuid] = make(map[string]ProgressEvent)
	}
	if _, seen := b.progressCache[uuid][ev.SongID]; !seen {
		b.cacheOrder[uuid] = append(b.cacheOrder[uuid], ev.SongID)
	}
	b.progressCache[uuid][ev.SongID] = mergeProgress(b.progressCache[uuid][ev.SongID], ev)

	for sub := range b.taskSubs[uuid] {
		select {
		case sub.C <- ev:
		default:
			// Slow client; drop this event for it.
		}
	}
}

// PublishNotice fans out a completion event and drops the task's cached
// progress.
func (b *Bus) PublishNotice(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.progressCache, n.UUID)
	delete(b.cacheOrder, n.UUID)

	for sub := range b.noticeSubs {
		select {
		case sub.C <- n:
		default:
		}
	}
}

// Status reports connection counts for the status endpoint.
func (b *Bus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		MaxConnections: b.maxConns,
		TaskClients:    make(map[string]int, len(b.taskSubs)),
		NoticeClients:  len(b.noticeSubs),
	}
	for uuid, subs := range b.taskSubs {
		st.TaskClients[uuid] = len(subs)
	}
	st.Connections = b.connCount()
	return st
}

// mergeProgress overlays a new patch on the cached state for a track, so the
// replay snapshot carries everything learned so far.
func mergeProgress(cached, ev ProgressEvent) ProgressEvent {
	cached.SongID = ev.SongID
	if ev.Progress != nil {
		cached.Progress = ev.Progress
	}
	if ev.DownloadStatus != "" {
		cached.DownloadStatus = ev.DownloadStatus
	}
	if ev.DecryptionStatus != "" {
		cached.DecryptionStatus = ev.DecryptionStatus
	}
	if ev.ConnectionStatus != "" {
		cached.ConnectionStatus = ev.ConnectionStatus
	}
	if ev.LyricsStatus != "" {
		cached.LyricsStatus = ev.LyricsStatus
	}
	if ev.BitDepth != 0 {
		cached.BitDepth = ev.BitDepth
	}
	if ev.SampleRate != 0 {
		cached.SampleRate = ev.SampleRate
	}
	if ev.CheckSuccess {
		cached.CheckSuccess = true
	}
	return cached
}
