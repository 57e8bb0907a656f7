// Package handoff cuts a continuous access unit stream into independently
// playable segments without losing, duplicating or reordering units across
// a boundary.
//
// Cuts are triggered by elapsed primary-track PTS and placed on the next
// primary keyframe. At the cut a pre-opened standby segment becomes active
// while the retiring segment keeps receiving every unit for a short
// wall-clock overlap window, after which it is finalized.
package handoff

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"segmenter/internal/media"
	"segmenter/internal/verifier"
)

// SubmitResult describes what happened to one submitted unit.
type SubmitResult struct {
	// Transitioned is true if the unit started a new segment.
	Transitioned bool
	// SegmentID is the active segment after the unit was written.
	SegmentID uint32
	// Overlapping is true while the unit was also written to the retiring
	// segment.
	Overlapping bool
	// Emergency is true if the active segment failed and the unit was
	// re-written to a fresh one.
	Emergency bool
	Warnings  []Warning
}

type cutRequest struct {
	reason      verifier.Reason
	requestedAt time.Time
	pts         time.Duration
	// waitWarned is set once the request has been held back for an
	// in-flight standby allocation.
	waitWarned bool
}

type allocation struct {
	id   uint32
	slot *Slot
	err  error
}

// Engine is the segment hand-off engine for one recording. Submit, Close and
// the accessors are safe for concurrent use; units must be submitted from a
// single producer in stream order.
type Engine struct {
	opts   Options
	log    *slog.Logger
	tracks map[media.TrackID]bool

	rotate atomic.Bool

	mu     sync.Mutex
	closed bool
	fatal  error
	events chan Event

	nextID   uint32
	active   *Slot
	retiring *Slot
	standby  *Slot

	allocating bool
	allocated  chan allocation
	degraded   bool

	started         bool
	initialRecorded bool
	segStarted      bool
	segStart        time.Duration
	lastPTS         map[media.TrackID]time.Duration

	pending    *cutRequest
	cutBlocked bool
	overlap    *verifier.Transition
	backlogged bool

	segmentCount uint32
	transitions  []verifier.Transition
	stats        Stats
}

// Open validates opts and prepares the first segment. No standby is
// allocated until the first unit is submitted.
func Open(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	opts.setDefaults()

	e := &Engine{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "handoff")),
		tracks:    make(map[media.TrackID]bool, len(opts.Tracks)),
		events:    make(chan Event, opts.EventBuffer),
		nextID:    1,
		allocated: make(chan allocation, 1),
		lastPTS:   make(map[media.TrackID]time.Duration),
	}
	for _, t := range opts.Tracks {
		e.tracks[t] = true
	}

	first, err := e.prepareSlot(e.nextID)
	if err != nil {
		return nil, err
	}
	e.nextID++
	e.active = first
	e.opts.Metrics.OpenSlots(1)

	e.log.Info("engine opened",
		slog.String("strategy", opts.Strategy.String()),
		slog.Duration("target_duration", opts.TargetDuration),
		slog.Duration("overlap_window", opts.OverlapWindow),
		slog.String("first_segment", first.Path()))
	return e, nil
}

// Events returns the status and warning channel. Events are dropped when
// the channel is full. It is closed when the engine closes.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// RequestRotation asks for a cut at the next primary keyframe.
func (e *Engine) RequestRotation() {
	e.rotate.Store(true)
}

// Submit writes one access unit. It is the only per-unit entry point and
// runs entirely on the caller's goroutine.
func (e *Engine) Submit(au media.AccessUnit) (SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res SubmitResult
	if e.closed {
		if e.fatal != nil {
			return res, fmt.Errorf("%w: %w", ErrEngineClosed, e.fatal)
		}
		return res, ErrEngineClosed
	}
	if !e.tracks[au.Track] {
		return res, fmt.Errorf("%w: %s was not configured at open", ErrLateTrack, au.Track)
	}

	now := e.opts.Clock.Now()
	e.stats.UnitsSubmitted++
	e.pollStandby()

	if last, ok := e.lastPTS[au.Track]; ok && au.PTS < last {
		e.stats.OrderingViolations++
		e.warn(&res, Warning{
			Kind:    WarningOrderingViolation,
			Segment: e.active.id,
			Track:   au.Track,
			Seq:     au.Seq,
			PTS:     au.PTS,
			Message: fmt.Sprintf("pts %s after %s", au.PTS, last),
		})
	}
	e.lastPTS[au.Track] = au.PTS

	if !e.started {
		if err := e.start(); err != nil {
			return res, err
		}
	}

	if e.overlap != nil && now.Sub(e.overlap.OverlapStartedAt) >= e.opts.OverlapWindow {
		if err := e.finishOverlap(now); err != nil {
			return res, err
		}
	}

	if au.Track == e.opts.PrimaryTrack {
		if err := e.checkCut(&res, au, now); err != nil {
			return res, err
		}
	}

	err := e.write(&res, au, now)
	if !e.closed {
		res.SegmentID = e.active.id
		res.Overlapping = e.overlap != nil
	}
	return res, err
}

// Close drains an open overlap, finalizes the active segment and discards
// an unused standby. It waits for an in-flight Submit. Later Submits fail
// with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.fatal
	}

	now := e.opts.Clock.Now()
	if e.overlap != nil {
		if err := e.finishOverlap(now); err != nil {
			return err
		}
	}
	e.releaseStandby()

	if e.started {
		if err := e.finalize(e.active); err != nil {
			return e.fail(err)
		}
	} else if err := e.active.Discard(); err != nil {
		e.log.Warn("discard unused segment failed",
			slog.String("path", e.active.Path()),
			slog.String("error", err.Error()))
	}

	e.closed = true
	e.log.Info("engine closed",
		slog.Uint64("segments", uint64(e.segmentCount)),
		slog.Uint64("units_written", e.stats.UnitsWritten),
		slog.Uint64("duplicate_units", e.stats.DuplicateUnits))
	e.emitStatus(now)
	close(e.events)
	return nil
}

// Snapshot returns the current phase, segment and counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Phase:          e.phase(),
		CurrentSegment: e.currentSegment(),
		SegmentCount:   e.segmentCount,
		StandbyReady:   e.standby != nil,
		Stats:          e.stats,
	}
}

// Transitions returns the completed transition records in order.
func (e *Engine) Transitions() []verifier.Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]verifier.Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) prepareSlot(id uint32) (*Slot, error) {
	s := newSlot(id, e.opts.Naming.NextSegmentPath(id), e.opts.PrimaryTrack)
	if err := s.open(e.opts.Opener); err != nil {
		return nil, err
	}
	for _, t := range e.opts.Tracks {
		if _, err := s.AddTrack(t); err != nil {
			s.Discard()
			return nil, err
		}
	}
	if err := s.markReady(); err != nil {
		s.Discard()
		return nil, err
	}
	return s, nil
}

func (e *Engine) start() error {
	if err := e.active.activate(); err != nil {
		return err
	}
	e.started = true
	e.segmentCount = 1
	e.log.Info("recording started",
		slog.Uint64("segment", uint64(e.active.id)),
		slog.String("path", e.active.Path()))
	e.emitStatus(e.opts.Clock.Now())
	e.startStandby()
	return nil
}

// startStandby allocates the next segment in the background. Only one
// allocation is in flight at a time; its result is picked up by Submit.
func (e *Engine) startStandby() {
	if e.opts.Strategy != DualSlot || e.closed || e.standby != nil || e.allocating {
		return
	}
	id := e.nextID
	e.nextID++
	e.allocating = true
	go func() {
		s, err := e.prepareSlot(id)
		e.allocated <- allocation{id: id, slot: s, err: err}
	}()
}

func (e *Engine) pollStandby() {
	if !e.allocating {
		return
	}
	select {
	case a := <-e.allocated:
		e.acceptStandby(a)
	default:
	}
}

// waitingForStandby reports whether a cut has to hold for an allocation
// that is still in flight. It never blocks.
func (e *Engine) waitingForStandby() bool {
	if e.opts.Strategy != DualSlot || e.standby != nil {
		return false
	}
	e.pollStandby()
	return e.allocating
}

// awaitStandby blocks until an in-flight allocation finishes. Only Close
// and emergency rotation use it.
func (e *Engine) awaitStandby() {
	if e.allocating {
		e.acceptStandby(<-e.allocated)
	}
}

func (e *Engine) acceptStandby(a allocation) {
	e.allocating = false
	if a.err != nil {
		// Give the id back so segment ids stay contiguous.
		e.nextID = a.id
		e.stats.AllocationFailures++
		e.degraded = true
		e.log.Warn("standby allocation failed",
			slog.Uint64("segment", uint64(a.id)),
			slog.String("error", a.err.Error()))
		e.emit(Event{Kind: EventError, Err: a.err})
		return
	}
	e.standby = a.slot
	e.degraded = false
	e.log.Debug("standby ready",
		slog.Uint64("segment", uint64(a.id)),
		slog.String("path", a.slot.Path()))
	e.emitStatus(e.opts.Clock.Now())
}

func (e *Engine) releaseStandby() {
	e.awaitStandby()
	if e.standby == nil {
		return
	}
	if err := e.standby.Discard(); err != nil {
		e.log.Warn("discard standby failed",
			slog.String("path", e.standby.Path()),
			slog.String("error", err.Error()))
	}
	e.standby = nil
}

func (e *Engine) checkCut(res *SubmitResult, au media.AccessUnit, now time.Time) error {
	if !e.segStarted {
		e.segStarted = true
		e.segStart = au.PTS
		if !e.initialRecorded {
			e.initialRecorded = true
			if !au.IsKeyframe {
				e.stats.NonAlignedCuts++
				e.warn(res, Warning{
					Kind:    WarningNonAlignedCut,
					Segment: e.active.id,
					Track:   au.Track,
					Seq:     au.Seq,
					PTS:     au.PTS,
					Message: "first primary unit is not a keyframe",
				})
			}
			e.completeTransition(verifier.Transition{
				ToSegment:        e.active.id,
				Reason:           verifier.ReasonInitial,
				RequestedAt:      now,
				KeyframePTS:      au.PTS,
				KeyframeAligned:  au.IsKeyframe,
				OverlapStartedAt: now,
				OverlapEndedAt:   now,
			})
		}
		return nil
	}

	manual := e.rotate.Swap(false)
	if e.pending == nil {
		switch {
		case manual:
			e.pending = &cutRequest{reason: verifier.ReasonManual, requestedAt: now, pts: au.PTS}
		case au.PTS-e.segStart >= e.opts.TargetDuration:
			e.pending = &cutRequest{reason: verifier.ReasonDuration, requestedAt: now, pts: au.PTS}
		default:
			return nil
		}
		e.log.Debug("cut requested",
			slog.String("reason", string(e.pending.reason)),
			slog.Duration("pts", au.PTS))
	}

	// A cut that comes due while the previous overlap is still open closes
	// that overlap first so no more than two segments receive units.
	if e.overlap != nil {
		if err := e.finishOverlap(now); err != nil {
			return err
		}
	}

	if e.waitingForStandby() {
		if !e.pending.waitWarned {
			e.pending.waitWarned = true
			e.degraded = true
			e.warn(res, Warning{
				Kind:    WarningDegradedMode,
				Segment: e.active.id,
				Track:   au.Track,
				Seq:     au.Seq,
				PTS:     au.PTS,
				Message: "standby segment still opening, holding the cut",
			})
		}
		return nil
	}

	if au.IsKeyframe {
		return e.cut(res, au, now, *e.pending, true)
	}
	if !e.cutBlocked && au.PTS-e.pending.pts >= 2*e.opts.TargetDuration {
		req := *e.pending
		req.reason = verifier.ReasonForced
		e.stats.NonAlignedCuts++
		e.warn(res, Warning{
			Kind:    WarningNonAlignedCut,
			Segment: e.active.id,
			Track:   au.Track,
			Seq:     au.Seq,
			PTS:     au.PTS,
			Message: fmt.Sprintf("no keyframe within %s of the cut request", 2*e.opts.TargetDuration),
		})
		return e.cut(res, au, now, req, false)
	}
	return nil
}

func (e *Engine) cut(res *SubmitResult, au media.AccessUnit, now time.Time, req cutRequest, aligned bool) error {
	if e.opts.Strategy == DualSlot {
		if e.standby != nil {
			return e.beginOverlap(res, au, now, req, aligned)
		}
		e.stats.DegradedCuts++
		e.degraded = true
		if !req.waitWarned {
			e.warn(res, Warning{
				Kind:    WarningDegradedMode,
				Segment: e.active.id,
				Track:   au.Track,
				Seq:     au.Seq,
				PTS:     au.PTS,
				Message: "standby allocation failed, cutting without overlap",
			})
		}
	}
	return e.sequentialCut(res, au, now, req, aligned)
}

func (e *Engine) beginOverlap(res *SubmitResult, au media.AccessUnit, now time.Time, req cutRequest, aligned bool) error {
	old, next := e.active, e.standby
	if err := old.retire(au.PTS); err != nil {
		return err
	}
	if err := next.activate(); err != nil {
		return err
	}
	e.standby = nil
	e.retiring = old
	e.active = next
	e.overlap = &verifier.Transition{
		FromSegment:      old.id,
		ToSegment:        next.id,
		Reason:           req.reason,
		RequestedAt:      req.requestedAt,
		KeyframePTS:      au.PTS,
		KeyframeAligned:  aligned,
		Overlapped:       true,
		OverlapStartedAt: now,
	}
	e.beginSegment(au)
	res.Transitioned = true

	e.log.Info("segment hand-off started",
		slog.Uint64("from", uint64(old.id)),
		slog.Uint64("to", uint64(next.id)),
		slog.String("reason", string(req.reason)),
		slog.Duration("pts", au.PTS))
	e.emitStatus(now)
	return nil
}

// sequentialCut opens the successor synchronously and finalizes the current
// segment before the cut unit is written. If the successor cannot be
// opened, recording continues in the current segment and the cut is retried
// at the next keyframe.
func (e *Engine) sequentialCut(res *SubmitResult, au media.AccessUnit, now time.Time, req cutRequest, aligned bool) error {
	next, err := e.prepareSlot(e.nextID)
	if err != nil {
		e.stats.AllocationFailures++
		e.cutBlocked = true
		e.degraded = true
		e.log.Error("cut failed, continuing in current segment",
			slog.Uint64("segment", uint64(e.active.id)),
			slog.String("error", err.Error()))
		e.emit(Event{Kind: EventError, Err: err})
		return nil
	}
	e.nextID++

	old := e.active
	old.setCut(au.PTS)
	if err := e.finalize(old); err != nil {
		next.Discard()
		return e.fail(err)
	}
	if err := next.activate(); err != nil {
		return err
	}
	e.active = next
	e.beginSegment(au)
	res.Transitioned = true

	e.completeTransition(verifier.Transition{
		FromSegment:      old.id,
		ToSegment:        next.id,
		Reason:           req.reason,
		RequestedAt:      req.requestedAt,
		KeyframePTS:      au.PTS,
		KeyframeAligned:  aligned,
		OverlapStartedAt: now,
		OverlapEndedAt:   now,
	})
	e.emitStatus(now)
	e.startStandby()
	return nil
}

func (e *Engine) beginSegment(au media.AccessUnit) {
	e.pending = nil
	e.cutBlocked = false
	e.segStarted = au.Track == e.opts.PrimaryTrack
	e.segStart = au.PTS
	e.segmentCount++
}

func (e *Engine) finishOverlap(now time.Time) error {
	rec := *e.overlap
	rec.OverlapEndedAt = now
	old := e.retiring
	e.overlap = nil
	e.retiring = nil

	if err := e.finalize(old); err != nil {
		return e.fail(err)
	}
	e.completeTransition(rec)
	e.startStandby()
	e.emitStatus(now)
	return nil
}

// finalize closes a segment and hands it to the naming collaborator. A
// segment that already failed a write is not expected to close cleanly, so
// its finalize error is reported but not fatal.
func (e *Engine) finalize(s *Slot) error {
	ref, err := s.Finalize()
	if err != nil {
		if s.Failed() {
			e.log.Error("finalize failed segment",
				slog.Uint64("segment", uint64(s.id)),
				slog.String("error", err.Error()))
			e.emit(Event{Kind: EventError, Err: err})
			return nil
		}
		return err
	}

	e.stats.SegmentsFinalized++
	e.opts.Metrics.SegmentFinalized()
	e.opts.Naming.OnSegmentFinalized(ref)
	e.log.Info("segment finalized",
		slog.Uint64("segment", uint64(ref.SegmentID)),
		slog.String("path", ref.Path),
		slog.Uint64("units", ref.Units),
		slog.Duration("duration", ref.Duration),
		slog.Bool("keyframe_aligned", ref.KeyframeAligned))
	return nil
}

// fail stops the recording after an unrecoverable finalize error. Remaining
// segments are closed on a best-effort basis.
func (e *Engine) fail(cause error) error {
	e.fatal = cause
	e.closed = true
	e.log.Error("recording stopped", slog.String("error", cause.Error()))

	e.releaseStandby()
	for _, s := range []*Slot{e.retiring, e.active} {
		if s == nil || (s.State() != SlotActive && s.State() != SlotOverlapping) {
			continue
		}
		if err := e.finalize(s); err != nil {
			e.log.Error("finalize after failure",
				slog.Uint64("segment", uint64(s.id)),
				slog.String("error", err.Error()))
		}
	}
	e.retiring = nil
	e.overlap = nil

	e.emit(Event{Kind: EventError, Err: cause})
	close(e.events)
	return fmt.Errorf("%w: %w", ErrEngineClosed, cause)
}

func (e *Engine) write(res *SubmitResult, au media.AccessUnit, now time.Time) error {
	var wrote []uint32
	var activeErr, retiringErr error

	if e.retiring != nil {
		if err := e.retiring.Write(au); err != nil {
			retiringErr = err
			e.writeFailed(e.retiring, err)
		} else {
			wrote = append(wrote, e.retiring.id)
		}
	}
	if err := e.active.Write(au); err != nil {
		activeErr = err
		e.writeFailed(e.active, err)
	} else {
		wrote = append(wrote, e.active.id)
	}
	e.recordEntry(res, au, wrote, now)

	if retiringErr != nil || (activeErr != nil && e.overlap != nil) {
		if err := e.finishOverlap(now); err != nil {
			return err
		}
	}
	if activeErr == nil {
		return nil
	}
	return e.emergencyRotate(res, au, now, len(wrote) == 0, activeErr)
}

// emergencyRotate replaces a failed active segment immediately. If rewrite
// is set the unit reached no segment and is written to the replacement.
func (e *Engine) emergencyRotate(res *SubmitResult, au media.AccessUnit, now time.Time, rewrite bool, cause error) error {
	failed := e.active

	var next *Slot
	// The in-flight allocation owns the next segment id, so waiting for it
	// costs no more than the synchronous open below.
	if e.opts.Strategy == DualSlot {
		e.awaitStandby()
		next, e.standby = e.standby, nil
	}
	if next == nil {
		s, err := e.prepareSlot(e.nextID)
		if err != nil {
			e.stats.AllocationFailures++
			return errors.Join(cause, err)
		}
		e.nextID++
		next = s
	}

	if au.Track == e.opts.PrimaryTrack {
		failed.setCut(au.PTS)
	}
	if err := e.finalize(failed); err != nil {
		next.Discard()
		return e.fail(err)
	}
	if err := next.activate(); err != nil {
		return err
	}
	e.active = next
	e.beginSegment(au)
	e.stats.EmergencyCuts++
	res.Transitioned = true
	res.Emergency = true

	aligned := au.Track == e.opts.PrimaryTrack && au.IsKeyframe
	if !aligned {
		e.stats.NonAlignedCuts++
		e.warn(res, Warning{
			Kind:    WarningNonAlignedCut,
			Segment: next.id,
			Track:   au.Track,
			Seq:     au.Seq,
			PTS:     au.PTS,
			Message: "emergency rotation off a keyframe",
		})
	}
	e.log.Warn("emergency rotation",
		slog.Uint64("from", uint64(failed.id)),
		slog.Uint64("to", uint64(next.id)),
		slog.String("cause", cause.Error()))

	var werr error
	if rewrite {
		if err := next.Write(au); err != nil {
			e.writeFailed(next, err)
			werr = errors.Join(cause, err)
		} else {
			e.recordEntry(res, au, []uint32{next.id}, now)
		}
	}

	e.completeTransition(verifier.Transition{
		FromSegment:      failed.id,
		ToSegment:        next.id,
		Reason:           verifier.ReasonEmergency,
		RequestedAt:      now,
		KeyframePTS:      au.PTS,
		KeyframeAligned:  aligned,
		OverlapStartedAt: now,
		OverlapEndedAt:   now,
	})
	e.emitStatus(now)
	e.startStandby()
	return werr
}

func (e *Engine) writeFailed(s *Slot, err error) {
	e.stats.WriteErrors++
	e.opts.Metrics.WriteError()
	e.log.Error("segment write failed",
		slog.Uint64("segment", uint64(s.id)),
		slog.String("state", s.State().String()),
		slog.String("error", err.Error()))
	e.emit(Event{Kind: EventError, Err: err})
}

func (e *Engine) recordEntry(res *SubmitResult, au media.AccessUnit, wrote []uint32, now time.Time) {
	if len(wrote) == 0 {
		return
	}
	duplicate := len(wrote) > 1
	e.stats.UnitsWritten++
	if duplicate {
		e.stats.DuplicateUnits++
		if e.overlap != nil {
			e.overlap.DuplicateUnitsWritten++
		}
	}
	e.opts.Metrics.UnitWritten(au.Track.String(), duplicate)

	ok := e.opts.Ledger.Record(verifier.Entry{
		Track:      au.Track,
		Seq:        au.Seq,
		PTS:        au.PTS,
		IsKeyframe: au.IsKeyframe,
		SegmentID:  wrote[len(wrote)-1],
		WroteTo:    wrote,
		Timestamp:  now,
	})
	if ok {
		e.backlogged = false
		return
	}
	e.stats.VerifierDrops++
	if !e.backlogged {
		e.backlogged = true
		e.warn(res, Warning{
			Kind:    WarningVerifierBacklog,
			Segment: wrote[len(wrote)-1],
			Track:   au.Track,
			Seq:     au.Seq,
			PTS:     au.PTS,
			Message: "verifier queue full, ledger entries dropped",
		})
	}
}

func (e *Engine) completeTransition(rec verifier.Transition) {
	e.transitions = append(e.transitions, rec)
	e.stats.Transitions++
	e.opts.Ledger.RecordTransition(rec)
	e.opts.Metrics.TransitionCompleted(string(rec.Reason), rec.Overlapped, rec.Duration())
	e.log.Info("segment transition",
		slog.Uint64("from", uint64(rec.FromSegment)),
		slog.Uint64("to", uint64(rec.ToSegment)),
		slog.String("reason", string(rec.Reason)),
		slog.Duration("keyframe_pts", rec.KeyframePTS),
		slog.Bool("overlapped", rec.Overlapped),
		slog.Uint64("duplicate_units", uint64(rec.DuplicateUnitsWritten)))
	e.emit(Event{Kind: EventTransition, Transition: &rec})
}

func (e *Engine) warn(res *SubmitResult, w Warning) {
	res.Warnings = append(res.Warnings, w)
	e.opts.Metrics.Warning(string(w.Kind))
	e.log.Warn("engine warning",
		slog.String("warning", string(w.Kind)),
		slog.String("detail", w.Message),
		slog.Uint64("segment", uint64(w.Segment)),
		slog.String("track", w.Track.String()),
		slog.Uint64("seq", w.Seq),
		slog.Duration("pts", w.PTS))
	e.emit(Event{Kind: EventWarning, Warning: &w})
}

func (e *Engine) emitStatus(now time.Time) {
	open := 0
	for _, s := range []*Slot{e.active, e.retiring, e.standby} {
		if s != nil && s.State() != SlotClosed {
			open++
		}
	}
	e.opts.Metrics.OpenSlots(open)
	e.emit(Event{Kind: EventStatus, Time: now})
}

// emit sends without blocking. It must not be called after the event
// channel is closed.
func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.opts.Clock.Now()
	}
	ev.Phase = e.phase()
	ev.CurrentSegment = e.currentSegment()
	ev.SegmentCount = e.segmentCount
	select {
	case e.events <- ev:
	default:
		e.stats.EventsDropped++
	}
}

func (e *Engine) phase() Phase {
	switch {
	case e.fatal != nil:
		return PhaseFailed
	case e.closed:
		return PhaseClosed
	case !e.started:
		return PhaseIdle
	case e.overlap != nil:
		return PhaseOverlapping
	case e.degraded:
		return PhaseDegraded
	default:
		return PhaseRecording
	}
}

func (e *Engine) currentSegment() uint32 {
	if !e.started || e.active == nil {
		return 0
	}
	return e.active.id
}
