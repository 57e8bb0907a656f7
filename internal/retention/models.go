// Package retention names segment files, keeps the index of finalized
// segments per recording and serves it as an HLS media playlist.
package retention

import "time"

// RecordingID uniquely identifies one recording run.
type RecordingID string

// Segment is one finalized segment file of a recording.
type Segment struct {
	Sequence        int64   `json:"sequence"`
	Duration        float64 `json:"duration"`
	Path            string  `json:"path"`
	Units           uint64  `json:"units"`
	KeyframeAligned bool    `json:"keyframe_aligned"`

	// FinalizedAt is set by the repository on registration.
	FinalizedAt time.Time `json:"finalized_at"`
}

// RecordingState is the stored representation of a recording.
type RecordingState struct {
	ID       RecordingID       `json:"id"`
	Segments map[int64]Segment `json:"segments"`
	Ended    bool              `json:"ended"`
}
