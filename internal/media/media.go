// Package media defines the access unit type that flows from the encoder
// side of the recorder into the segment hand-off engine.
package media

import (
	"fmt"
	"time"
)

// TrackID identifies an elementary stream inside a recording.
type TrackID uint8

const (
	// VideoTrack is the primary track; segment cuts are aligned to its keyframes.
	VideoTrack TrackID = iota
	// AudioTrack carries encoded audio chunks.
	AudioTrack
)

// String returns the lowercase track name used in logs and ledger files.
func (t TrackID) String() string {
	switch t {
	case VideoTrack:
		return "video"
	case AudioTrack:
		return "audio"
	default:
		return fmt.Sprintf("track%d", uint8(t))
	}
}

// ParseTrackID is the inverse of TrackID.String.
func ParseTrackID(s string) (TrackID, error) {
	switch s {
	case "video":
		return VideoTrack, nil
	case "audio":
		return AudioTrack, nil
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "track%d", &n); err != nil {
		return 0, fmt.Errorf("unknown track %q", s)
	}
	return TrackID(n), nil
}

// AccessUnit is one encoded video frame or one encoded audio chunk.
//
// Seq is assigned once by the producer, per track, and is never reused. It is
// the ground truth for loss and duplication checks; PTS may carry jitter.
type AccessUnit struct {
	Track      TrackID
	PTS        time.Duration
	IsKeyframe bool
	Payload    []byte
	Seq        uint64
}

