package handoff

import (
	"fmt"
	"time"

	"segmenter/internal/media"
	"segmenter/internal/verifier"
)

// WarningKind classifies a recoverable anomaly. Warnings are never returned
// as errors.
type WarningKind string

// Warning kinds.
const (
	WarningNonAlignedCut     WarningKind = "non_aligned_cut"
	WarningDegradedMode      WarningKind = "degraded_mode"
	WarningVerifierBacklog   WarningKind = "verifier_backlog"
	WarningOrderingViolation WarningKind = "ordering_violation"
)

// Warning is one recoverable anomaly observed by the engine.
type Warning struct {
	Kind    WarningKind
	Segment uint32
	Track   media.TrackID
	Seq     uint64
	PTS     time.Duration
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: segment %d %s seq %d: %s", w.Kind, w.Segment, w.Track, w.Seq, w.Message)
}

// Phase is the coarse recording state reported in status events.
type Phase string

// Engine phases.
const (
	PhaseIdle        Phase = "idle"
	PhaseRecording   Phase = "recording"
	PhaseOverlapping Phase = "overlapping"
	PhaseDegraded    Phase = "degraded"
	PhaseClosed      Phase = "closed"
	PhaseFailed      Phase = "failed"
)

// EventKind tells which payload an Event carries.
type EventKind int

// Event kinds.
const (
	EventStatus EventKind = iota
	EventWarning
	EventTransition
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventWarning:
		return "warning"
	case EventTransition:
		return "transition"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered on the engine's event channel. Every event carries the
// status at the time it was produced.
type Event struct {
	Kind           EventKind
	Time           time.Time
	Phase          Phase
	CurrentSegment uint32
	SegmentCount   uint32

	Warning    *Warning
	Transition *verifier.Transition
	Err        error
}

// Stats are cumulative engine counters.
type Stats struct {
	UnitsSubmitted     uint64 `json:"units_submitted"`
	UnitsWritten       uint64 `json:"units_written"`
	DuplicateUnits     uint64 `json:"duplicate_units"`
	Transitions        uint64 `json:"transitions"`
	SegmentsFinalized  uint64 `json:"segments_finalized"`
	OrderingViolations uint64 `json:"ordering_violations"`
	NonAlignedCuts     uint64 `json:"non_aligned_cuts"`
	DegradedCuts       uint64 `json:"degraded_cuts"`
	EmergencyCuts      uint64 `json:"emergency_cuts"`
	WriteErrors        uint64 `json:"write_errors"`
	AllocationFailures uint64 `json:"allocation_failures"`
	VerifierDrops      uint64 `json:"verifier_drops"`
	EventsDropped      uint64 `json:"events_dropped"`
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Phase          Phase  `json:"phase"`
	CurrentSegment uint32 `json:"current_segment"`
	SegmentCount   uint32 `json:"segment_count"`
	StandbyReady   bool   `json:"standby_ready"`
	Stats          Stats  `json:"stats"`
}
