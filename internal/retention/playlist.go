package retention

import (
	"math"
	"path/filepath"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

const (
	playlistVersion = 3

	// segmentURIPrefix is relative to the playlist URL.
	segmentURIPrefix = "segments/"
)

// BuildMediaPlaylist renders segments (ordered by sequence ascending) as an
// HLS media playlist. If ended is true, #EXT-X-ENDLIST is appended. An empty
// window produces a playlist with media sequence 0.
func BuildMediaPlaylist(segments []Segment, ended bool) ([]byte, error) {
	pl := &playlist.Media{
		Version:        playlistVersion,
		TargetDuration: targetDuration(segments),
		Endlist:        ended,
	}
	if len(segments) > 0 {
		pl.MediaSequence = int(segments[0].Sequence)
	}

	for _, seg := range segments {
		pl.Segments = append(pl.Segments, &playlist.MediaSegment{
			Duration: time.Duration(seg.Duration * float64(time.Second)),
			URI:      segmentURIPrefix + filepath.Base(seg.Path),
		})
	}
	return pl.Marshal()
}

// targetDuration is the ceiling of the longest segment in seconds, at least 1.
func targetDuration(segments []Segment) int {
	longest := 0.0
	for _, seg := range segments {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
