package handoff

import (
	"errors"
	"fmt"

	"segmenter/internal/media"
)

var (
	// ErrInitialization is returned when a segment container cannot be opened
	// or prepared.
	ErrInitialization = errors.New("segment initialization failed")

	// ErrSegmentWrite wraps container write failures.
	ErrSegmentWrite = errors.New("segment write failed")

	// ErrLateTrack is returned for a track added after a slot stopped
	// accepting tracks, or submitted without being configured at Open.
	ErrLateTrack = errors.New("track added after initialization")

	// ErrInvalidState is returned for an operation the slot state forbids.
	ErrInvalidState = errors.New("invalid slot state")

	// ErrEngineClosed is returned by Submit after Close or after a fatal
	// finalize failure.
	ErrEngineClosed = errors.New("engine closed")

	// ErrDrain is returned when a retiring segment cannot be finalized.
	ErrDrain = errors.New("segment finalize failed")
)

// StateError reports an operation attempted in the wrong slot state.
type StateError struct {
	Op      string
	Segment uint32
	State   SlotState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("segment %d: %s in state %s", e.Segment, e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// WriteError reports a failed write of one access unit to one segment.
type WriteError struct {
	Segment uint32
	Track   media.TrackID
	Seq     uint64
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("segment %d: write %s unit %d: %v", e.Segment, e.Track, e.Seq, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrSegmentWrite, e.Err}
}
