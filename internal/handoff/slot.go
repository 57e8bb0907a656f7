package handoff

import (
	"fmt"
	"time"

	"segmenter/internal/container"
	"segmenter/internal/media"
)

// SlotState is the lifecycle state of a segment slot.
type SlotState int

// Slot states, in lifecycle order.
const (
	SlotEmpty SlotState = iota
	SlotAwaitingTracks
	SlotReady
	SlotActive
	SlotOverlapping
	SlotDraining
	SlotClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotAwaitingTracks:
		return "awaiting_tracks"
	case SlotReady:
		return "ready"
	case SlotActive:
		return "active"
	case SlotOverlapping:
		return "overlapping"
	case SlotDraining:
		return "draining"
	case SlotClosed:
		return "closed"
	default:
		return fmt.Sprintf("slot_state(%d)", int(s))
	}
}

// FileRef describes a finalized segment.
type FileRef struct {
	SegmentID uint32
	Path      string
	Units     uint64

	// FirstPTS and LastPTS bound the primary track units in the file.
	FirstPTS time.Duration
	LastPTS  time.Duration

	// Duration runs from the first primary unit to the cut that retired the
	// segment. A segment that was never cut ends one primary frame interval
	// after its last primary unit.
	Duration time.Duration

	// KeyframeAligned is true if the first primary unit was a keyframe.
	KeyframeAligned bool
}

// Slot wraps one segment container and its lifecycle. A slot is owned by one
// engine and never refers back to it.
type Slot struct {
	id      uint32
	path    string
	primary media.TrackID
	writer  container.Writer
	handles map[media.TrackID]container.TrackHandle
	state   SlotState

	// poisoned is set by a late AddTrack; every later write fails with it.
	poisoned error
	failed   bool

	units       uint64
	hasPrimary  bool
	firstPTS    time.Duration
	lastPTS     time.Duration
	frameDelta  time.Duration
	aligned     bool
	cut         bool
	cutPTS      time.Duration
	ref         *FileRef
	finalizeErr error
}

// newSlot returns an empty slot for segment id.
func newSlot(id uint32, path string, primary media.TrackID) *Slot {
	return &Slot{
		id:      id,
		path:    path,
		primary: primary,
		handles: make(map[media.TrackID]container.TrackHandle),
	}
}

// ID returns the segment id.
func (s *Slot) ID() uint32 { return s.id }

// Path returns the segment file path.
func (s *Slot) Path() string { return s.path }

// State returns the current slot state.
func (s *Slot) State() SlotState { return s.state }

// Units returns the number of units written.
func (s *Slot) Units() uint64 { return s.units }

// Failed reports whether a container write failed.
func (s *Slot) Failed() bool { return s.failed }

func (s *Slot) open(opener container.Opener) error {
	if s.state != SlotEmpty {
		return &StateError{Op: "open", Segment: s.id, State: s.state}
	}
	w, err := opener.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: segment %d: %w", ErrInitialization, s.id, err)
	}
	s.writer = w
	s.state = SlotAwaitingTracks
	return nil
}

// AddTrack registers a track with the container. It is only allowed before
// the slot is ready; a late track poisons the slot.
func (s *Slot) AddTrack(kind media.TrackID) (container.TrackHandle, error) {
	if s.state != SlotAwaitingTracks {
		err := fmt.Errorf("%w: segment %d track %s in state %s", ErrLateTrack, s.id, kind, s.state)
		s.poisoned = err
		return 0, err
	}
	h, err := s.writer.AddTrack(kind)
	if err != nil {
		return 0, fmt.Errorf("%w: segment %d add track %s: %w", ErrInitialization, s.id, kind, err)
	}
	s.handles[kind] = h
	return h, nil
}

func (s *Slot) markReady() error {
	if s.state != SlotAwaitingTracks {
		return &StateError{Op: "mark ready", Segment: s.id, State: s.state}
	}
	s.state = SlotReady
	return nil
}

func (s *Slot) activate() error {
	if s.state != SlotReady {
		return &StateError{Op: "activate", Segment: s.id, State: s.state}
	}
	s.state = SlotActive
	return nil
}

// retire moves an active slot into the overlap phase. cutPTS is the primary
// PTS at which its successor started.
func (s *Slot) retire(cutPTS time.Duration) error {
	if s.state != SlotActive {
		return &StateError{Op: "retire", Segment: s.id, State: s.state}
	}
	s.state = SlotOverlapping
	s.setCut(cutPTS)
	return nil
}

func (s *Slot) setCut(pts time.Duration) {
	s.cut = true
	s.cutPTS = pts
}

// Write writes one access unit. Only Active and Overlapping slots accept
// writes.
func (s *Slot) Write(au media.AccessUnit) error {
	if s.poisoned != nil {
		return s.poisoned
	}
	if s.state != SlotActive && s.state != SlotOverlapping {
		return &StateError{Op: "write", Segment: s.id, State: s.state}
	}
	h, ok := s.handles[au.Track]
	if !ok {
		return fmt.Errorf("%w: segment %d has no %s track", ErrLateTrack, s.id, au.Track)
	}
	if err := s.writer.Write(h, au.Payload, au.PTS, au.IsKeyframe); err != nil {
		s.failed = true
		return &WriteError{Segment: s.id, Track: au.Track, Seq: au.Seq, Err: err}
	}

	s.units++
	if au.Track == s.primary {
		if !s.hasPrimary {
			s.hasPrimary = true
			s.firstPTS = au.PTS
			s.aligned = au.IsKeyframe
		} else if au.PTS > s.lastPTS {
			s.frameDelta = au.PTS - s.lastPTS
		}
		s.lastPTS = au.PTS
	}
	return nil
}

// Finalize closes the container and returns its file reference. Active and
// Overlapping slots pass through Draining. Repeated calls return the cached
// result without touching the container again.
func (s *Slot) Finalize() (FileRef, error) {
	if s.ref != nil {
		return *s.ref, nil
	}
	if s.finalizeErr != nil {
		return FileRef{}, s.finalizeErr
	}

	switch s.state {
	case SlotActive, SlotOverlapping:
		s.state = SlotDraining
	case SlotDraining:
	default:
		return FileRef{}, &StateError{Op: "finalize", Segment: s.id, State: s.state}
	}

	err := s.writer.Close()
	s.writer = nil
	if err != nil {
		s.finalizeErr = fmt.Errorf("%w: segment %d: %w", ErrDrain, s.id, err)
		return FileRef{}, s.finalizeErr
	}
	s.state = SlotClosed

	end := s.lastPTS + s.frameDelta
	if s.cut {
		end = s.cutPTS
	}
	ref := FileRef{
		SegmentID:       s.id,
		Path:            s.path,
		Units:           s.units,
		FirstPTS:        s.firstPTS,
		LastPTS:         s.lastPTS,
		KeyframeAligned: s.aligned,
	}
	if s.hasPrimary && end > s.firstPTS {
		ref.Duration = end - s.firstPTS
	}
	s.ref = &ref
	return ref, nil
}

// Discard aborts a slot that never received a unit and removes its file.
func (s *Slot) Discard() error {
	if s.units > 0 {
		return &StateError{Op: "discard", Segment: s.id, State: s.state}
	}
	switch s.state {
	case SlotClosed:
		return nil
	case SlotEmpty:
		s.state = SlotClosed
		return nil
	}

	s.state = SlotDraining
	var err error
	if s.writer != nil {
		err = s.writer.Abort()
		s.writer = nil
	}
	s.state = SlotClosed
	return err
}
