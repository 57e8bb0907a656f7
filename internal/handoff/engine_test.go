package handoff

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"segmenter/internal/media"
	"segmenter/internal/verifier"
)

type harness struct {
	engine   *Engine
	opener   *fakeOpener
	naming   *fakeNaming
	clock    *manualClock
	verifier *verifier.Verifier
	base     time.Time
	frozen   bool
}

func newHarness(t *testing.T, opener *fakeOpener, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		opener:   opener,
		naming:   &fakeNaming{},
		clock:    newManualClock(),
		verifier: verifier.New(verifier.Config{QueueSize: 8192}),
	}
	h.base = h.clock.Now()
	h.verifier.Start()

	opts := Options{
		TargetDuration: 10 * time.Second,
		OverlapWindow:  200 * time.Millisecond,
		Strategy:       DualSlot,
		Tracks:         []media.TrackID{media.VideoTrack, media.AudioTrack},
		PrimaryTrack:   media.VideoTrack,
		Naming:         h.naming,
		Opener:         opener,
		Ledger:         h.verifier,
		Clock:          h.clock,
		EventBuffer:    1024,
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := Open(opts)
	require.NoError(t, err)
	h.engine = e
	return h
}

// settle waits for an in-flight standby allocation so the next cut finds
// the standby ready.
func (h *harness) settle() {
	h.engine.mu.Lock()
	h.engine.awaitStandby()
	h.engine.mu.Unlock()
}

// step settles, moves the wall clock to the unit's PTS unless the clock is
// frozen, and submits the unit.
func (h *harness) step(au media.AccessUnit) (SubmitResult, error) {
	h.settle()
	if !h.frozen {
		h.clock.Set(h.base.Add(au.PTS))
	}
	return h.engine.Submit(au)
}

// feed submits units with the wall clock following PTS.
func (h *harness) feed(t *testing.T, units []media.AccessUnit) []Warning {
	t.Helper()
	var warnings []Warning
	for _, au := range units {
		res, err := h.step(au)
		require.NoError(t, err)
		warnings = append(warnings, res.Warnings...)
	}
	return warnings
}

// submitRaw submits units without settling the standby allocation.
func (h *harness) submitRaw(t *testing.T, units []media.AccessUnit) []Warning {
	t.Helper()
	var warnings []Warning
	for _, au := range units {
		if !h.frozen {
			h.clock.Set(h.base.Add(au.PTS))
		}
		res, err := h.engine.Submit(au)
		require.NoError(t, err)
		warnings = append(warnings, res.Warnings...)
	}
	return warnings
}

// splitAt returns the units before and from the first unit at or after pts.
func splitAt(units []media.AccessUnit, pts time.Duration) ([]media.AccessUnit, []media.AccessUnit) {
	for i, au := range units {
		if au.PTS >= pts {
			return units[:i], units[i:]
		}
	}
	return units, nil
}

func (h *harness) finish(t *testing.T) verifier.Report {
	t.Helper()
	require.NoError(t, h.engine.Close())
	require.NoError(t, h.verifier.Close())
	return h.verifier.Analyze()
}

func countWarnings(warnings []Warning, kind WarningKind) int {
	n := 0
	for _, w := range warnings {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

func TestKeyframeAlignedOverlap(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)

	units := stream(30*time.Second, 30)
	require.Len(t, units, 2400)
	warnings := h.feed(t, units)
	require.Empty(t, warnings)

	report := h.finish(t)
	require.True(t, report.OK(), "%+v", report)
	require.True(t, report.Aligned())
	require.Zero(t, report.OutOfOrderCount)
	require.Equal(t, 200*time.Millisecond, report.MaxTransitionDuration)

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 3)
	for i, tr := range transitions {
		require.Zero(t, tr.KeyframePTS%time.Second)
		require.True(t, tr.KeyframeAligned)
		require.EqualValues(t, i+1, tr.ToSegment)
	}
	require.Equal(t, verifier.ReasonInitial, transitions[0].Reason)
	require.EqualValues(t, 0, transitions[0].FromSegment)
	for _, tr := range transitions[1:] {
		require.Equal(t, verifier.ReasonDuration, tr.Reason)
		require.True(t, tr.Overlapped)
		require.EqualValues(t, 16, tr.DuplicateUnitsWritten)
	}
	require.Equal(t, 10*time.Second, transitions[1].KeyframePTS)
	require.Equal(t, 20*time.Second, transitions[2].KeyframePTS)

	require.Equal(t, []uint32{1, 2, 3}, h.naming.ids())
	require.Equal(t, 10*time.Second, h.naming.finalized[0].Duration)
	require.InDelta(t, float64(10*time.Second), float64(h.naming.finalized[2].Duration), float64(time.Millisecond))
	require.True(t, h.opener.writer(segPath(4)).aborted)

	stats := h.engine.Stats()
	require.EqualValues(t, 2400, stats.UnitsSubmitted)
	require.EqualValues(t, 2400, stats.UnitsWritten)
	require.EqualValues(t, 32, stats.DuplicateUnits)
	require.Zero(t, stats.DegradedCuts)

	// Every retired segment starts on a keyframe and holds the overlap copy.
	seg2 := h.opener.writer(segPath(2))
	require.True(t, seg2.units[0].keyframe)
	require.Equal(t, 10*time.Second, seg2.units[0].pts)
	require.Equal(t, 20*time.Second+180*time.Millisecond, seg2.units[len(seg2.units)-1].pts)
	require.Equal(t, 1, seg2.closes)
}

func TestDegradedStandbyFailure(t *testing.T) {
	t.Run("sequentialCut", func(t *testing.T) {
		opener := newFakeOpener()
		opener.failOpen[segPath(3)] = 1
		h := newHarness(t, opener, nil)

		warnings := h.feed(t, stream(30*time.Second, 30))
		require.Equal(t, 1, countWarnings(warnings, WarningDegradedMode))

		report := h.finish(t)
		require.True(t, report.OK(), "%+v", report)
		require.True(t, report.Aligned())

		transitions := h.engine.Transitions()
		require.Len(t, transitions, 3)
		require.True(t, transitions[1].Overlapped)
		require.False(t, transitions[2].Overlapped)
		require.Zero(t, transitions[2].DuplicateUnitsWritten)
		require.EqualValues(t, 2, transitions[2].FromSegment)
		require.EqualValues(t, 3, transitions[2].ToSegment)
		require.Equal(t, 20*time.Second, transitions[2].KeyframePTS)

		stats := h.engine.Stats()
		require.EqualValues(t, 1, stats.DegradedCuts)
		require.EqualValues(t, 1, stats.AllocationFailures)
		require.EqualValues(t, 16, stats.DuplicateUnits)
		require.Equal(t, []uint32{1, 2, 3}, h.naming.ids())
	})

	t.Run("retryAtNextKeyframe", func(t *testing.T) {
		opener := newFakeOpener()
		opener.failOpen[segPath(3)] = 2
		h := newHarness(t, opener, nil)

		warnings := h.feed(t, stream(30*time.Second, 30))
		require.Equal(t, 2, countWarnings(warnings, WarningDegradedMode))

		report := h.finish(t)
		require.True(t, report.OK(), "%+v", report)

		transitions := h.engine.Transitions()
		require.Len(t, transitions, 3)
		require.False(t, transitions[2].Overlapped)
		require.Equal(t, 21*time.Second, transitions[2].KeyframePTS)
		require.EqualValues(t, 3, transitions[2].ToSegment)
		require.Equal(t, []uint32{1, 2, 3}, h.naming.ids())
	})
}

func TestSlowStandbyAllocation(t *testing.T) {
	opener := newFakeOpener()
	release := make(chan struct{})
	opener.gate[segPath(2)] = release
	h := newHarness(t, opener, nil)

	before, after := splitAt(stream(14*time.Second, 30), 12*time.Second)

	type result struct {
		warnings []Warning
		err      error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for _, au := range before {
			h.clock.Set(h.base.Add(au.PTS))
			res, err := h.engine.Submit(au)
			if err != nil {
				r.err = err
				break
			}
			r.warnings = append(r.warnings, res.Warnings...)
		}
		done <- r
	}()
	var warnings []Warning
	select {
	case r := <-done:
		require.NoError(t, r.err)
		warnings = r.warnings
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("submit blocked on the standby allocation")
	}

	require.Equal(t, 1, countWarnings(warnings, WarningDegradedMode))
	require.Len(t, h.engine.Transitions(), 1)
	require.Equal(t, PhaseDegraded, h.engine.Snapshot().Phase)
	require.Len(t, opener.writer(segPath(1)).units, len(before))
	require.Empty(t, h.naming.ids())

	close(release)
	require.Eventually(t, func() bool {
		return len(h.engine.allocated) == 1
	}, time.Second, time.Millisecond)

	require.Empty(t, h.feed(t, after))

	report := h.finish(t)
	require.True(t, report.OK(), "%+v", report)
	require.True(t, report.Aligned())

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 2)
	cut := transitions[1]
	require.Equal(t, verifier.ReasonDuration, cut.Reason)
	require.True(t, cut.Overlapped)
	require.Equal(t, 12*time.Second, cut.KeyframePTS)
	require.Equal(t, h.base.Add(10*time.Second), cut.RequestedAt)

	stats := h.engine.Stats()
	require.Zero(t, stats.DegradedCuts)
	require.Zero(t, stats.AllocationFailures)
	require.Equal(t, []uint32{1, 2}, h.naming.ids())
	require.Equal(t, 12*time.Second, h.naming.finalized[0].Duration)
}

// switchLedger refuses every entry while full is set.
type switchLedger struct {
	*verifier.Verifier
	full atomic.Bool
}

func (l *switchLedger) Record(e verifier.Entry) bool {
	if l.full.Load() {
		return false
	}
	return l.Verifier.Record(e)
}

func TestVerifierBacklog(t *testing.T) {
	t.Run("stalledConsumer", func(t *testing.T) {
		stalled := verifier.New(verifier.Config{QueueSize: 4})
		h := newHarness(t, newFakeOpener(), func(o *Options) {
			o.Ledger = stalled
		})

		units := stream(time.Second, 30)
		warnings := h.feed(t, units)
		require.Equal(t, 1, countWarnings(warnings, WarningVerifierBacklog))
		require.Len(t, warnings, 1)

		require.NoError(t, h.engine.Close())
		require.NoError(t, h.verifier.Close())
		stats := h.engine.Stats()
		require.EqualValues(t, len(units), stats.UnitsWritten)
		require.EqualValues(t, len(units)-4, stats.VerifierDrops)
		require.Equal(t, stalled.Dropped(), stats.VerifierDrops)

		stalled.Start()
		require.NoError(t, stalled.Close())
		report := stalled.Analyze()
		require.True(t, report.OK(), "%+v", report)
		require.Equal(t, stats.VerifierDrops, report.DroppedEntries)
		require.Len(t, stalled.Entries(), 4)
	})

	t.Run("oneWarningPerEpisode", func(t *testing.T) {
		ledger := &switchLedger{}
		h := newHarness(t, newFakeOpener(), func(o *Options) {
			ledger.Verifier = o.Ledger.(*verifier.Verifier)
			o.Ledger = ledger
		})
		units := stream(3*time.Second, 30)
		third := len(units) / 3

		ledger.full.Store(true)
		require.Equal(t, 1, countWarnings(h.feed(t, units[:third]), WarningVerifierBacklog))
		ledger.full.Store(false)
		require.Empty(t, h.feed(t, units[third:2*third]))
		ledger.full.Store(true)
		require.Equal(t, 1, countWarnings(h.feed(t, units[2*third:]), WarningVerifierBacklog))

		ledger.full.Store(false)
		require.NoError(t, h.engine.Close())
		require.NoError(t, h.verifier.Close())
		require.EqualValues(t, len(units)-third, h.engine.Stats().VerifierDrops)
	})
}

func TestCutDuringOpenOverlap(t *testing.T) {
	opener := newFakeOpener()
	release := make(chan struct{})
	opener.gate[segPath(3)] = release
	h := newHarness(t, opener, nil)
	h.frozen = true

	units := stream(30*time.Second, 30)
	first, rest := splitAt(units, 20*time.Second)
	held, tail := splitAt(rest, 21*time.Second)

	require.Empty(t, h.feed(t, first))
	require.Equal(t, PhaseOverlapping, h.engine.Snapshot().Phase)

	warnings := h.submitRaw(t, held)
	require.Equal(t, 1, countWarnings(warnings, WarningDegradedMode))
	require.Equal(t, []uint32{1}, h.naming.ids())
	require.Equal(t, 1, opener.writer(segPath(1)).closes)
	require.Nil(t, opener.writer(segPath(3)))

	close(release)
	require.Eventually(t, func() bool {
		return len(h.engine.allocated) == 1
	}, time.Second, time.Millisecond)
	require.Empty(t, h.feed(t, tail))

	report := h.finish(t)
	require.True(t, report.OK(), "%+v", report)
	require.True(t, report.Aligned())

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 3)
	require.Equal(t, 10*time.Second, transitions[1].KeyframePTS)
	require.True(t, transitions[1].Overlapped)
	require.EqualValues(t, 800, transitions[1].DuplicateUnitsWritten)
	require.Equal(t, 21*time.Second, transitions[2].KeyframePTS)
	require.True(t, transitions[2].Overlapped)
	require.EqualValues(t, 2, transitions[2].FromSegment)
	require.EqualValues(t, 3, transitions[2].ToSegment)
	require.Equal(t, []uint32{1, 2, 3}, h.naming.ids())
}

func TestOrderingViolation(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)

	units := stream(3*time.Second, 30)
	var first, second int
	for i, au := range units {
		if au.Track != media.AudioTrack {
			continue
		}
		switch au.Seq {
		case 50:
			first = i
		case 51:
			second = i
		}
	}
	units[first].PTS, units[second].PTS = units[second].PTS, units[first].PTS

	warnings := h.feed(t, units)
	require.Equal(t, 1, countWarnings(warnings, WarningOrderingViolation))
	require.Len(t, warnings, 1)
	require.EqualValues(t, 51, warnings[0].Seq)

	report := h.finish(t)
	require.True(t, report.OK())
	require.Equal(t, 1, report.OutOfOrderCount)
	require.EqualValues(t, 1, h.engine.Stats().OrderingViolations)

	var found bool
	for _, e := range h.verifier.Entries() {
		if e.Track == media.AudioTrack && e.Seq == 51 {
			found = true
		}
	}
	require.True(t, found)
}

func TestCloseWaitsForSubmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	opener := newFakeOpener()
	opener.writeHook = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h := newHarness(t, opener, nil)
	units := stream(time.Second, 30)

	submitDone := make(chan error, 1)
	go func() {
		_, err := h.engine.Submit(units[0])
		submitDone <- err
	}()
	<-entered

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- h.engine.Close()
	}()

	select {
	case <-closeDone:
		t.Fatal("close returned while submit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-submitDone)
	require.NoError(t, <-closeDone)

	_, err := h.engine.Submit(units[1])
	require.ErrorIs(t, err, ErrEngineClosed)
	require.NoError(t, h.engine.Close())
	require.Equal(t, []uint32{1}, h.naming.ids())
	require.Equal(t, PhaseClosed, h.engine.Snapshot().Phase)
}

func TestForcedNonAlignedCut(t *testing.T) {
	h := newHarness(t, newFakeOpener(), func(o *Options) {
		o.TargetDuration = time.Second
	})

	// Only the first frame is a keyframe.
	warnings := h.feed(t, stream(4*time.Second, 1000))
	require.Equal(t, 1, countWarnings(warnings, WarningNonAlignedCut))

	report := h.finish(t)
	require.True(t, report.OK(), "%+v", report)
	require.True(t, report.Aligned())
	require.Equal(t, []uint32{2}, report.DeclaredNonAligned)

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 2)
	forced := transitions[1]
	require.Equal(t, verifier.ReasonForced, forced.Reason)
	require.False(t, forced.KeyframeAligned)
	require.True(t, forced.Overlapped)
	require.Equal(t, 3*time.Second, forced.KeyframePTS)
	require.Equal(t, h.base.Add(time.Second), forced.RequestedAt)
	require.EqualValues(t, 1, h.engine.Stats().NonAlignedCuts)
}

func TestManualRotation(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)
	units := stream(5*time.Second, 30)

	split := len(units) / 2
	h.feed(t, units[:split])
	h.engine.RequestRotation()
	h.feed(t, units[split:])

	report := h.finish(t)
	require.True(t, report.OK())

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 2)
	require.Equal(t, verifier.ReasonManual, transitions[1].Reason)
	require.Equal(t, 3*time.Second, transitions[1].KeyframePTS)
}

func TestEmergencyRotation(t *testing.T) {
	opener := newFakeOpener()
	opener.failAfter[segPath(1)] = 100
	h := newHarness(t, opener, nil)

	units := stream(5*time.Second, 30)
	var emergency int
	for _, au := range units {
		res, err := h.step(au)
		require.NoError(t, err)
		if res.Emergency {
			emergency++
		}
	}
	require.Equal(t, 1, emergency)

	report := h.finish(t)
	require.True(t, report.OK(), "%+v", report)
	require.Len(t, report.DeclaredNonAligned, 1)

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 2)
	require.Equal(t, verifier.ReasonEmergency, transitions[1].Reason)
	require.False(t, transitions[1].Overlapped)

	stats := h.engine.Stats()
	require.EqualValues(t, 1, stats.WriteErrors)
	require.EqualValues(t, 1, stats.EmergencyCuts)
	require.EqualValues(t, len(units), stats.UnitsWritten)
	require.Equal(t, []uint32{1, 2}, h.naming.ids())
	require.Len(t, opener.writer(segPath(1)).units, 100)
}

func TestFinalizeFailureStopsRecording(t *testing.T) {
	opener := newFakeOpener()
	opener.closeErr[segPath(1)] = errDisk
	h := newHarness(t, opener, nil)

	var failure error
	for _, au := range stream(15*time.Second, 30) {
		if _, err := h.step(au); err != nil {
			failure = err
			break
		}
	}
	require.ErrorIs(t, failure, ErrEngineClosed)
	require.ErrorIs(t, failure, ErrDrain)
	require.ErrorIs(t, failure, errDisk)

	_, err := h.engine.Submit(media.AccessUnit{Track: media.VideoTrack, PTS: 20 * time.Second})
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, err, ErrDrain)

	require.ErrorIs(t, h.engine.Close(), ErrDrain)
	require.Equal(t, PhaseFailed, h.engine.Snapshot().Phase)
	require.Equal(t, []uint32{2}, h.naming.ids())
}

func TestSingleSlotFallback(t *testing.T) {
	h := newHarness(t, newFakeOpener(), func(o *Options) {
		o.Strategy = SingleSlotFallback
	})

	warnings := h.feed(t, stream(25*time.Second, 30))
	require.Empty(t, warnings)

	report := h.finish(t)
	require.True(t, report.OK())
	require.True(t, report.Aligned())

	transitions := h.engine.Transitions()
	require.Len(t, transitions, 3)
	for _, tr := range transitions[1:] {
		require.False(t, tr.Overlapped)
		require.True(t, tr.KeyframeAligned)
	}
	require.Zero(t, h.engine.Stats().DuplicateUnits)
	require.Equal(t, []uint32{1, 2, 3}, h.naming.ids())
	require.Nil(t, h.opener.writer(segPath(4)))
}

func TestNonKeyframeStart(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)

	units := stream(2*time.Second, 30)
	units[0].IsKeyframe = false
	warnings := h.feed(t, units)
	require.Equal(t, 1, countWarnings(warnings, WarningNonAlignedCut))

	report := h.finish(t)
	require.True(t, report.Aligned())
	require.Equal(t, []uint32{1}, report.DeclaredNonAligned)
	require.False(t, h.engine.Transitions()[0].KeyframeAligned)
}

func TestSubmitUnconfiguredTrack(t *testing.T) {
	h := newHarness(t, newFakeOpener(), func(o *Options) {
		o.Tracks = []media.TrackID{media.VideoTrack}
	})

	_, err := h.engine.Submit(media.AccessUnit{Track: media.AudioTrack})
	require.ErrorIs(t, err, ErrLateTrack)
	h.finish(t)
}

func TestCloseBeforeFirstUnit(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)
	h.finish(t)

	require.True(t, h.opener.writer(segPath(1)).aborted)
	require.Empty(t, h.naming.ids())
	require.NoError(t, h.engine.Close())

	var last Event
	for ev := range h.engine.Events() {
		last = ev
	}
	require.Equal(t, PhaseClosed, last.Phase)
	require.Zero(t, last.SegmentCount)
}

func TestEvents(t *testing.T) {
	h := newHarness(t, newFakeOpener(), nil)
	h.feed(t, stream(12*time.Second, 30))
	h.finish(t)

	var transitions, statuses int
	var last Event
	for ev := range h.engine.Events() {
		switch ev.Kind {
		case EventTransition:
			transitions++
		case EventStatus:
			statuses++
		}
		last = ev
	}
	require.Equal(t, 2, transitions)
	require.NotZero(t, statuses)
	require.Equal(t, PhaseClosed, last.Phase)
	require.EqualValues(t, 2, last.SegmentCount)
}

func TestOpen(t *testing.T) {
	t.Run("initializationError", func(t *testing.T) {
		opener := newFakeOpener()
		opener.failOpen[segPath(1)] = 1
		_, err := Open(Options{
			TargetDuration: time.Second,
			Tracks:         []media.TrackID{media.VideoTrack},
			Naming:         &fakeNaming{},
			Opener:         opener,
		})
		require.ErrorIs(t, err, ErrInitialization)
		require.True(t, errors.Is(err, errDisk))
	})
	t.Run("invalidOptions", func(t *testing.T) {
		_, err := Open(Options{
			TargetDuration: time.Second,
			OverlapWindow:  2 * time.Second,
			Tracks:         []media.TrackID{media.AudioTrack},
			PrimaryTrack:   media.VideoTrack,
		})
		require.Error(t, err)
		require.ErrorContains(t, err, "primary track video")
		require.ErrorContains(t, err, "overlap window")
		require.ErrorContains(t, err, "opener")
	})
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("single")
	require.NoError(t, err)
	require.Equal(t, SingleSlotFallback, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, DualSlot, s)

	_, err = ParseStrategy("triple")
	require.Error(t, err)
}
