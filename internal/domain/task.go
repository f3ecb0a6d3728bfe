// Package domain defines the task record shared by the ingest and scheduler
// processes, the per-track runtime state written during execution, and the
// Apple Music link grammar.
package domain

import (
	"fmt"
	"time"
)

// Task statuses. A task is created as pending_meta, becomes ready once
// metadata resolution succeeds, running while an executor owns it, and ends
// in finish or error. Terminal records are immutable until archival.
const (
	StatusPendingMeta = "pending_meta"
	StatusReady       = "ready"
	StatusRunning     = "running"
	StatusFinish      = "finish"
	StatusError       = "error"
)

// Link types accepted by the submission API.
const (
	TypeAlbum      = "album"
	TypePlaylist   = "playlist"
	TypeSong       = "song"
	TypeMusicVideo = "music-video"
)

// TypeNamesZH maps link types to the labels used in notifications and
// summary emails.
var TypeNamesZH = map[string]string{
	TypeAlbum:      "专辑",
	TypePlaylist:   "播放列表",
	TypeSong:       "歌曲",
	TypeMusicVideo: "MV",
}

// TimeLayout is the wall-clock format used for every timestamp persisted in
// the task queue file. Times are in the host's local zone.
const TimeLayout = "2006-01-02 15:04:05"

// Now returns the current local time formatted with TimeLayout.
func Now() string {
	return time.Now().Format(TimeLayout)
}

// ParseTime parses a timestamp previously produced by Now. The zero time and
// an error are returned for empty or malformed values.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.Local)
}

// LinkInfo is the parsed identity of a submitted link.
type LinkInfo struct {
	Type       string `json:"type"`
	Storefront string `json:"storefront"`
	ID         string `json:"id"`
}

// DownloadProgress is the byte-level progress of one track's subprocess.
type DownloadProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

// Track is one entry of an album or playlist. The metadata resolver fills the
// descriptive fields; the executor adds the runtime state as subprocess
// output is parsed.
type Track struct {
	SongID      string `json:"song_id"`
	TrackNumber int    `json:"track_number"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	HasLyrics   bool   `json:"hasLyrics"`
	DiscNumber  *int   `json:"disc_number,omitempty"`
	DiscTotal   *int   `json:"disc_total,omitempty"`

	DownloadProgress *DownloadProgress `json:"download_progress,omitempty"`
	DownloadStatus   string            `json:"download_status,omitempty"`
	DecryptionStatus string            `json:"decryption_status,omitempty"`
	ConnectionStatus string            `json:"connection_status,omitempty"`
	LyricsStatus     string            `json:"lyrics_status,omitempty"`
	BitDepth         int               `json:"bit_depth,omitempty"`
	SampleRate       int               `json:"sample_rate,omitempty"`
	CheckSuccess     bool              `json:"check_success,omitempty"`
}

// Metadata is the type-specific filtered view of an upstream resource. Only
// the fields relevant to the task's type are populated.
type Metadata struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	ArtistName string `json:"artistName,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	URL        string `json:"url,omitempty"`

	// Album / playlist.
	TrackCount int      `json:"trackCount,omitempty"`
	Tracks     []*Track `json:"tracks,omitempty"`

	// Playlist.
	CuratorName      string `json:"curatorName,omitempty"`
	LastModifiedDate string `json:"lastModifiedDate,omitempty"`

	// Music video.
	DurationInMillis int64 `json:"durationInMillis,omitempty"`
	Width            int   `json:"width,omitempty"`
	Height           int   `json:"height,omitempty"`

	// Song.
	HasLyrics bool   `json:"hasLyrics,omitempty"`
	AlbumURL  string `json:"album_url,omitempty"`
}

// Task is the unit of work tracked through the state machine. The queue file
// holds a JSON array of these records.
type Task struct {
	UUID     string    `json:"uuid"`
	User     string    `json:"user"`
	Link     string    `json:"link"`
	LinkInfo LinkInfo  `json:"link_info"`
	Status   string    `json:"status"`
	Metadata *Metadata `json:"metadata"`

	SubmitTime          string `json:"submit_time"`
	ProcessStartTime    string `json:"process_start_time,omitempty"`
	ProcessCompleteTime string `json:"process_complete_time,omitempty"`

	OrderIndex  int    `json:"order_index"`
	SkipCheck   bool   `json:"skip_check"`
	Checking    bool   `json:"checking,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
	ErrorLog    string `json:"error_log,omitempty"`
}

// IsTerminal reports whether the task has reached finish or error.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusFinish || t.Status == StatusError
}

// DisplayName is the human-facing name used in notifications: the metadata
// name when resolved, otherwise the raw link.
func (t *Task) DisplayName() string {
	if t.Metadata != nil && t.Metadata.Name != "" {
		return t.Metadata.Name
	}
	return t.Link
}

// TypeNameZH returns the Chinese label for the task's type, falling back to
// the raw type string for unknown values.
func (t *Task) TypeNameZH() string {
	if name, ok := TypeNamesZH[t.LinkInfo.Type]; ok {
		return name
	}
	return t.LinkInfo.Type
}

// Elapsed returns the wall time between process start and completion, or zero
// when either timestamp is missing or malformed.
func (t *Task) Elapsed() time.Duration {
	start, err := ParseTime(t.ProcessStartTime)
	if err != nil {
		return 0
	}
	end, err := ParseTime(t.ProcessCompleteTime)
	if err != nil {
		return 0
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// FormatDurationZH renders a duration as "X小时Y分Z秒", omitting leading
// zero-valued units.
func FormatDurationZH(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%d小时%d分%d秒", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%d分%d秒", minutes, seconds)
	default:
		return fmt.Sprintf("%d秒", seconds)
	}
}
