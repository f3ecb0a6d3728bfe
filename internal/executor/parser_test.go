package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "progress",
			line: "DL_PROGRESS:512/2048",
			want: Event{Kind: EventProgress, Current: 512, Total: 2048},
		},
		{
			name: "auto retry prompt",
			line: "Error detected, press Enter to try again...",
			want: Event{Kind: EventAutoRetry},
		},
		{
			name: "token failure",
			line: "Detected token failure, aborting",
			want: Event{Kind: EventTokenFailure},
		},
		{
			name: "eof failure",
			line: `Get "https://example.com/file.m4a": EOF`,
			want: Event{Kind: EventEOFFailure},
		},
		{
			name: "error count",
			line: "Completed: 10, W:0, E:2",
			want: Event{Kind: EventErrorCount, Count: 2},
		},
		{
			name: "warning count",
			line: "Completed: 10, W:3",
			want: Event{Kind: EventWarningCount, Count: 3},
		},
		{
			name: "connection failed",
			line: "Error connecting to device: refused",
			want: Event{Kind: EventConnectionFailed},
		},
		{
			name: "quality",
			line: "Audio: 24-bit / 96000 Hz",
			want: Event{Kind: EventQuality, BitDepth: 24, SampleRate: 96000},
		},
		{
			name: "already exists",
			line: "Track already exists locally.",
			want: Event{Kind: EventAlreadyExists},
		},
		{
			name: "lyrics failed",
			line: "Failed to get lyrics: not available",
			want: Event{Kind: EventLyricsFailed},
		},
		{
			name: "lyrics failed specific",
			line: "SPECIFIC_LYRICS_FAILURE: 1445892749",
			want: Event{Kind: EventLyricsFailed},
		},
		{
			name: "downloaded",
			line: "Downloaded",
			want: Event{Kind: EventDownloaded},
		},
		{
			name: "downloaded padded",
			line: "  Downloaded  ",
			want: Event{Kind: EventDownloaded},
		},
		{
			name: "decrypted",
			line: "Decrypted",
			want: Event{Kind: EventDecrypted},
		},
		{
			name: "verify ordinal",
			line: "Track 3 of 13",
			want: Event{Kind: EventVerifyTrack, TrackNumber: 3, TrackTotal: 13},
		},
		{
			name: "track context",
			line: "Track 1445892749: checking",
			want: Event{Kind: EventTrackContext, TrackID: "1445892749"},
		},
		{
			name: "connected",
			line: "device connected",
			want: Event{Kind: EventConnected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			require.True(t, ok)
			got.Line = ""
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineNoSentinel(t *testing.T) {
	for _, line := range []string{
		"",
		"fetching metadata",
		"writing tags",
		// Status markers are whole lines; mentions inside chatter are not
		// sentinels.
		"Downloaded 01. Welcome To New York",
		"Decrypted 01. Welcome To New York",
		"file was Downloaded earlier",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParseLineErrorCountBeforeWarningCount(t *testing.T) {
	// A summary line carries both counters; the error count wins.
	ev, ok := ParseLine("W:1, E:4")
	require.True(t, ok)
	assert.Equal(t, EventErrorCount, ev.Kind)
	assert.Equal(t, 4, ev.Count)
}
