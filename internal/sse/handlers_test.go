package sse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSSEServer(t *testing.T, bus *Bus) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	bus.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// readEvent scans the stream for the next "data:" line, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
		return ev
	}
	t.Fatal("no event before deadline")
	return nil
}

func TestProgressStreamConnectedThenLive(t *testing.T) {
	bus := NewBus(10)
	srv := newSSEServer(t, bus)

	resp, err := http.Get(srv.URL + "/api/progress/task1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)

	ev := readEvent(t, reader)
	assert.Equal(t, "connected", ev["event"])
	assert.Equal(t, "task1", ev["uuid"])

	// Wait for the subscriber to register before publishing.
	require.Eventually(t, func() bool {
		return bus.Status().TaskClients["task1"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.PublishProgress("task1", ProgressEvent{SongID: "a", DownloadStatus: "downloading"})

	ev = readEvent(t, reader)
	assert.Equal(t, "a", ev["song_id"])
	assert.Equal(t, "downloading", ev["download_status"])
}

func TestNoticeStream(t *testing.T) {
	bus := NewBus(10)
	srv := newSSEServer(t, bus)

	resp, err := http.Get(srv.URL + "/api/progress/notice")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	ev := readEvent(t, reader)
	assert.Equal(t, "connected", ev["event"])

	require.Eventually(t, func() bool {
		return bus.Status().NoticeClients == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.PublishNotice(Notice{Event: "task_update", Type: "success", UUID: "u1", Message: "专辑「x」下载成功"})

	ev = readEvent(t, reader)
	assert.Equal(t, "task_update", ev["event"])
	assert.Equal(t, "u1", ev["uuid"])
}

func TestProgressStreamRejectsOverCapacity(t *testing.T) {
	bus := NewBus(0)
	srv := newSSEServer(t, bus)

	resp, err := http.Get(srv.URL + "/api/progress/task1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestStatusEndpoint(t *testing.T) {
	bus := NewBus(7)
	srv := newSSEServer(t, bus)

	resp, err := http.Get(srv.URL + "/api/sse/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 7, st.MaxConnections)
	assert.Zero(t, st.Connections)
}
