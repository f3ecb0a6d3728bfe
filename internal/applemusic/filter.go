package applemusic

import (
	"fmt"
	"strings"

	"github.com/lyjw131/amdl/internal/domain"
)

// artworkSize is substituted into the artwork URL template's {w}x{h} slots.
const artworkSize = "632"

type resourceResponse struct {
	Data   []resource `json:"data"`
	Errors []apiError `json:"errors"`
}

type apiError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (r *resourceResponse) hasErrorCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

type resource struct {
	ID            string        `json:"id"`
	Attributes    attributes    `json:"attributes"`
	Relationships relationships `json:"relationships"`
}

type attributes struct {
	Name             string  `json:"name"`
	ArtistName       string  `json:"artistName"`
	CuratorName      string  `json:"curatorName"`
	URL              string  `json:"url"`
	TrackCount       int     `json:"trackCount"`
	TrackNumber      int     `json:"trackNumber"`
	DiscNumber       int     `json:"discNumber"`
	HasLyrics        bool    `json:"hasLyrics"`
	LastModifiedDate string  `json:"lastModifiedDate"`
	DurationInMillis int64   `json:"durationInMillis"`
	Artwork          artwork `json:"artwork"`
}

type artwork struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (a artwork) render() string {
	out := strings.ReplaceAll(a.URL, "{w}", artworkSize)
	return strings.ReplaceAll(out, "{h}", artworkSize)
}

type relationships struct {
	Tracks  relationshipData `json:"tracks"`
	Albums  relationshipData `json:"albums"`
	Curator relationshipData `json:"curator"`
}

type relationshipData struct {
	Data []resource `json:"data"`
}

// filterMetadata reduces a raw upstream response to the per-type view stored
// on the task record.
func filterMetadata(info domain.LinkInfo, raw *resourceResponse) (*domain.Metadata, error) {
	if raw == nil || len(raw.Data) == 0 {
		return nil, fmt.Errorf("empty upstream response")
	}
	res := raw.Data[0]

	switch info.Type {
	case domain.TypeAlbum:
		return filterAlbum(res), nil
	case domain.TypePlaylist:
		return filterPlaylist(res), nil
	case domain.TypeSong:
		return filterSong(res), nil
	case domain.TypeMusicVideo:
		return filterMusicVideo(res), nil
	default:
		return nil, fmt.Errorf("unsupported link type %q", info.Type)
	}
}

func filterAlbum(res resource) *domain.Metadata {
	meta := &domain.Metadata{
		Name:       res.Attributes.Name,
		ArtistName: res.Attributes.ArtistName,
		ID:         res.ID,
		URL:        res.Attributes.URL,
		TrackCount: res.Attributes.TrackCount,
		ArtworkURL: res.Attributes.Artwork.render(),
	}

	maxDisc := 0
	for _, item := range res.Relationships.Tracks.Data {
		if item.Attributes.DiscNumber > maxDisc {
			maxDisc = item.Attributes.DiscNumber
		}
	}

	for _, item := range res.Relationships.Tracks.Data {
		track := &domain.Track{
			SongID:      item.ID,
			TrackNumber: item.Attributes.TrackNumber,
			Name:        item.Attributes.Name,
			URL:         item.Attributes.URL,
			HasLyrics:   item.Attributes.HasLyrics,
		}
		// Disc fields appear only on multi-disc albums.
		if maxDisc > 1 {
			disc := item.Attributes.DiscNumber
			total := maxDisc
			track.DiscNumber = &disc
			track.DiscTotal = &total
		}
		meta.Tracks = append(meta.Tracks, track)
	}
	return meta
}

func filterPlaylist(res resource) *domain.Metadata {
	curator := res.Attributes.CuratorName
	if curator == "" {
		if data := res.Relationships.Curator.Data; len(data) > 0 {
			curator = data[0].Attributes.Name
		}
	}

	meta := &domain.Metadata{
		Name:             res.Attributes.Name,
		CuratorName:      curator,
		ID:               res.ID,
		URL:              res.Attributes.URL,
		LastModifiedDate: res.Attributes.LastModifiedDate,
		ArtworkURL:       res.Attributes.Artwork.render(),
	}

	for i, item := range res.Relationships.Tracks.Data {
		meta.Tracks = append(meta.Tracks, &domain.Track{
			SongID: item.ID,
			// Playlist position, not the track's album numbering.
			TrackNumber: i + 1,
			Name:        item.Attributes.Name,
			URL:         item.Attributes.URL,
			HasLyrics:   item.Attributes.HasLyrics,
		})
	}
	meta.TrackCount = len(meta.Tracks)
	return meta
}

func filterSong(res resource) *domain.Metadata {
	meta := &domain.Metadata{
		Name:       res.Attributes.Name,
		ArtistName: res.Attributes.ArtistName,
		ID:         res.ID,
		URL:        res.Attributes.URL,
		HasLyrics:  res.Attributes.HasLyrics,
		ArtworkURL: res.Attributes.Artwork.render(),
	}
	if data := res.Relationships.Albums.Data; len(data) > 0 {
		meta.AlbumURL = data[0].Attributes.URL
	}
	return meta
}

func filterMusicVideo(res resource) *domain.Metadata {
	return &domain.Metadata{
		Name:             res.Attributes.Name,
		ArtistName:       res.Attributes.ArtistName,
		ID:               res.ID,
		URL:              res.Attributes.URL,
		DurationInMillis: res.Attributes.DurationInMillis,
		Width:            res.Attributes.Artwork.Width,
		Height:           res.Attributes.Artwork.Height,
		ArtworkURL:       res.Attributes.Artwork.render(),
	}
}
