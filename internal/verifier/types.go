// Package verifier audits a recording for lost, duplicated and reordered
// access units. The ledger is fed from the write path through a bounded
// queue and analyzed on demand or offline from the ledger file.
package verifier

import (
	"time"

	"segmenter/internal/media"
)

// Entry is one access unit that was written to at least one segment.
type Entry struct {
	Track      media.TrackID
	Seq        uint64
	PTS        time.Duration
	IsKeyframe bool

	// SegmentID is the newest segment the unit was written to.
	SegmentID uint32

	// WroteTo lists every segment that received the unit. Two entries are
	// only expected inside a declared overlap window.
	WroteTo []uint32

	Timestamp time.Time
}

// Reason describes why a segment transition happened.
type Reason string

// Transition reasons.
const (
	ReasonInitial   Reason = "initial"
	ReasonDuration  Reason = "duration"
	ReasonManual    Reason = "manual"
	ReasonForced    Reason = "forced"
	ReasonEmergency Reason = "emergency"
)

// Transition records one hand-off from one segment to the next. Initial
// activation of the first segment is recorded with FromSegment 0.
type Transition struct {
	FromSegment uint32 `json:"from_segment"`
	ToSegment   uint32 `json:"to_segment"`
	Reason      Reason `json:"reason"`

	RequestedAt     time.Time     `json:"requested_at"`
	KeyframePTS     time.Duration `json:"keyframe_pts"`
	KeyframeAligned bool          `json:"keyframe_aligned"`

	// Overlapped is false for sequential cuts (degraded or single-slot mode).
	Overlapped            bool      `json:"overlapped"`
	OverlapStartedAt      time.Time `json:"overlap_started_at"`
	OverlapEndedAt        time.Time `json:"overlap_ended_at"`
	DuplicateUnitsWritten uint32    `json:"duplicate_units_written"`
}

// Duration is the time from the cut request until the retiring segment
// stopped receiving units.
func (t Transition) Duration() time.Duration {
	if t.OverlapEndedAt.Before(t.RequestedAt) {
		return 0
	}
	return t.OverlapEndedAt.Sub(t.RequestedAt)
}

func (t Transition) covers(e *Entry) bool {
	if !t.Overlapped || len(e.WroteTo) != 2 {
		return false
	}
	a, b := e.WroteTo[0], e.WroteTo[1]
	if !(a == t.FromSegment && b == t.ToSegment) && !(a == t.ToSegment && b == t.FromSegment) {
		return false
	}
	return !e.Timestamp.Before(t.OverlapStartedAt) && !e.Timestamp.After(t.OverlapEndedAt)
}

// Gap is a run of missing sequence numbers on one track.
type Gap struct {
	Track   media.TrackID `json:"track"`
	After   uint64        `json:"after"`
	Before  uint64        `json:"before"`
	Missing uint64        `json:"missing"`
}

// Duplicate is a unit written more often than the overlap protocol allows.
type Duplicate struct {
	Track    media.TrackID `json:"track"`
	Seq      uint64        `json:"seq"`
	Segments []uint32      `json:"segments"`
	Reason   string        `json:"reason"`
}

// Report is the result of a continuity analysis.
type Report struct {
	Entries     int `json:"entries"`
	Transitions int `json:"transitions"`

	Gaps                  []Gap         `json:"gaps"`
	UnexpectedDuplicates  []Duplicate   `json:"unexpected_duplicates"`
	MaxTransitionDuration time.Duration `json:"max_transition_duration"`
	OutOfOrderCount       int           `json:"out_of_order_count"`

	// NonAlignedSegments lists segments whose first video unit is not a
	// keyframe although no transition declared a non-aligned cut.
	NonAlignedSegments []uint32 `json:"non_aligned_segments"`

	// DeclaredNonAligned lists segments started by a forced or emergency cut.
	DeclaredNonAligned []uint32 `json:"declared_non_aligned"`

	// DroppedEntries counts ledger entries lost to verifier backlog. The
	// recording itself is unaffected; their seqs are not reported as gaps.
	DroppedEntries uint64 `json:"dropped_entries"`

	// PendingOverlapUnits counts units of an overlap that had not finished
	// when a live analysis ran.
	PendingOverlapUnits int `json:"pending_overlap_units"`
}

// OK is the pass/fail criterion for a recording: no gaps and no unexpected
// duplicates.
func (r Report) OK() bool {
	return len(r.Gaps) == 0 && len(r.UnexpectedDuplicates) == 0
}

// Aligned reports whether every segment began with a keyframe or was
// declared non-aligned by its transition.
func (r Report) Aligned() bool {
	return len(r.NonAlignedSegments) == 0
}
