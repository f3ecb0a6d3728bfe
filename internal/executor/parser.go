// Package executor supervises downloader subprocesses: per-task fan-out over
// tracks, line-oriented stdout parsing, bounded retries, and the post-album
// verification pass.
package executor

import (
	"regexp"
	"strconv"
	"strings"
)

// EventKind identifies one downloader stdout sentinel. The sentinel lines are
// the stable ABI with the downloader binary; each gets a named event here.
type EventKind int

const (
	EventProgress EventKind = iota
	EventVerifyTrack
	EventTrackContext
	EventConnectionFailed
	EventConnected
	EventQuality
	EventDownloaded
	EventDecrypted
	EventAlreadyExists
	EventLyricsFailed
	EventWarningCount
	EventErrorCount
	EventTokenFailure
	EventEOFFailure
	EventAutoRetry
)

// Event is one parsed line of downloader output.
type Event struct {
	Kind EventKind

	Current int // EventProgress
	Total   int

	TrackNumber int // EventVerifyTrack: Nth of TrackTotal
	TrackTotal  int

	TrackID string // EventTrackContext

	BitDepth   int // EventQuality
	SampleRate int

	Count int // EventWarningCount / EventErrorCount

	Line string
}

var (
	progressRe    = regexp.MustCompile(`DL_PROGRESS:(\d+)/(\d+)`)
	verifyTrackRe = regexp.MustCompile(`Track (\d+) of (\d+)`)
	trackCtxRe    = regexp.MustCompile(`Track (\S+):`)
	qualityRe     = regexp.MustCompile(`(\d+)-bit / (\d+) Hz`)
	warningRe     = regexp.MustCompile(`W:(\d+)`)
	errorCountRe  = regexp.MustCompile(`E:(\d+)`)
	eofRe         = regexp.MustCompile(`Get .*? EOF`)
	downloadedRe  = regexp.MustCompile(`^\s*Downloaded\s*$`)
	decryptedRe   = regexp.MustCompile(`^\s*Decrypted\s*$`)
)

// ParseLine classifies one output line. The second return is false for lines
// carrying no sentinel.
func ParseLine(line string) (Event, bool) {
	ev := Event{Line: line}

	if m := progressRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventProgress
		ev.Current, _ = strconv.Atoi(m[1])
		ev.Total, _ = strconv.Atoi(m[2])
		return ev, true
	}

	if strings.Contains(line, "Error detected, press Enter to try again...") {
		ev.Kind = EventAutoRetry
		return ev, true
	}
	if strings.Contains(line, "Detected token failure") {
		ev.Kind = EventTokenFailure
		return ev, true
	}
	if eofRe.MatchString(line) {
		ev.Kind = EventEOFFailure
		return ev, true
	}

	if m := errorCountRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventErrorCount
		ev.Count, _ = strconv.Atoi(m[1])
		return ev, true
	}
	if m := warningRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventWarningCount
		ev.Count, _ = strconv.Atoi(m[1])
		return ev, true
	}

	if strings.Contains(line, "Error connecting to device:") {
		ev.Kind = EventConnectionFailed
		return ev, true
	}

	if m := qualityRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventQuality
		ev.BitDepth, _ = strconv.Atoi(m[1])
		ev.SampleRate, _ = strconv.Atoi(m[2])
		return ev, true
	}

	if strings.Contains(line, "Track already exists locally.") {
		ev.Kind = EventAlreadyExists
		return ev, true
	}
	if strings.Contains(line, "Failed to get lyrics") || strings.Contains(line, "SPECIFIC_LYRICS_FAILURE:") {
		ev.Kind = EventLyricsFailed
		return ev, true
	}
	// Status markers are whole lines; chatter that merely mentions the
	// words must not flip track state.
	if downloadedRe.MatchString(line) {
		ev.Kind = EventDownloaded
		return ev, true
	}
	if decryptedRe.MatchString(line) {
		ev.Kind = EventDecrypted
		return ev, true
	}

	// "Track N of M" is the verification pass's positional marker; the
	// colon-terminated form names a track id. Both start with "Track", so
	// the positional form is tried first.
	if m := verifyTrackRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventVerifyTrack
		ev.TrackNumber, _ = strconv.Atoi(m[1])
		ev.TrackTotal, _ = strconv.Atoi(m[2])
		return ev, true
	}
	if m := trackCtxRe.FindStringSubmatch(line); m != nil {
		ev.Kind = EventTrackContext
		ev.TrackID = m[1]
		return ev, true
	}

	if strings.Contains(line, "connected") {
		ev.Kind = EventConnected
		return ev, true
	}

	return Event{}, false
}
