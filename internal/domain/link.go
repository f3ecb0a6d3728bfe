package domain

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidLink = errors.New("invalid link")

// Apple Music link grammar. Both the beta and production hosts are accepted;
// the storefront is the two-letter region segment and the id is the trailing
// numeric (or pl.-prefixed, for playlists) path element.
var linkPatterns = []struct {
	linkType string
	re       *regexp.Regexp
}{
	{TypeAlbum, regexp.MustCompile(`^(?:https?://(?:beta\.music|music)\.apple\.com/)(?P<storefront>\w{2})(?:/album)(?:/.+)?/(?P<id>\d+)(?:$|\?)`)},
	{TypeMusicVideo, regexp.MustCompile(`^(?:https?://(?:beta\.music|music)\.apple\.com/)(?P<storefront>\w{2})(?:/music-video)(?:/.+)?/(?P<id>\d+)(?:$|\?)`)},
	{TypeSong, regexp.MustCompile(`^(?:https?://(?:beta\.music|music)\.apple\.com/)(?P<storefront>\w{2})(?:/song)(?:/.+)?/(?P<id>\d+)(?:$|\?)`)},
	{TypePlaylist, regexp.MustCompile(`^(?:https?://(?:beta\.music|music)\.apple\.com/)(?P<storefront>\w{2})(?:/playlist)(?:/.+)?/(?P<id>pl\.[\w-]+)(?:$|\?)`)},
}

// ParseLink classifies a submitted URL into its type, storefront and id.
func ParseLink(link string) (LinkInfo, error) {
	for _, p := range linkPatterns {
		m := p.re.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		info := LinkInfo{Type: p.linkType}
		for i, name := range p.re.SubexpNames() {
			switch name {
			case "storefront":
				info.Storefront = m[i]
			case "id":
				info.ID = m[i]
			}
		}
		return info, nil
	}
	return LinkInfo{}, ErrInvalidLink
}

// StripSongParam removes the track-selection query parameter from album
// links, so that "album?i=<song>" submissions resolve as the whole album.
func StripSongParam(link string) string {
	if strings.Contains(link, "/album/") && strings.Contains(link, "?i=") {
		return strings.SplitN(link, "?i=", 2)[0]
	}
	return link
}
