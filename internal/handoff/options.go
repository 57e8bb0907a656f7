package handoff

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"segmenter/internal/container"
	"segmenter/internal/media"
	"segmenter/internal/verifier"
)

// Strategy selects how the engine allocates segment slots. It is resolved
// once at Open.
type Strategy int

const (
	// DualSlot keeps a standby slot ready and overlaps writes at each cut.
	DualSlot Strategy = iota
	// SingleSlotFallback opens each successor at the cut and never overlaps,
	// for platforms that cannot hold two containers open.
	SingleSlotFallback
)

func (s Strategy) String() string {
	switch s {
	case DualSlot:
		return "dual"
	case SingleSlotFallback:
		return "single"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "dual" or "single".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dual":
		return DualSlot, nil
	case "single":
		return SingleSlotFallback, nil
	}
	return 0, fmt.Errorf("unknown slot strategy %q", s)
}

// Naming is the segment naming and retention collaborator.
type Naming interface {
	// NextSegmentPath returns the file path for segment id.
	NextSegmentPath(id uint32) string
	// OnSegmentFinalized is called once per finalized segment, in order.
	OnSegmentFinalized(ref FileRef)
}

// LedgerSink receives continuity ledger entries. Record must not block and
// returns false if the entry was dropped.
type LedgerSink interface {
	Record(e verifier.Entry) bool
	RecordTransition(t verifier.Transition)
}

// Metrics receives engine counters.
type Metrics interface {
	UnitWritten(track string, duplicate bool)
	TransitionCompleted(reason string, overlapped bool, d time.Duration)
	SegmentFinalized()
	Warning(kind string)
	WriteError()
	OpenSlots(n int)
}

// Clock supplies wall-clock time for overlap windows and ledger timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopMetrics struct{}

func (nopMetrics) UnitWritten(string, bool)                        {}
func (nopMetrics) TransitionCompleted(string, bool, time.Duration) {}
func (nopMetrics) SegmentFinalized()                               {}
func (nopMetrics) Warning(string)                                  {}
func (nopMetrics) WriteError()                                     {}
func (nopMetrics) OpenSlots(int)                                   {}

type nopLedger struct{}

func (nopLedger) Record(verifier.Entry) bool          { return true }
func (nopLedger) RecordTransition(verifier.Transition) {}

const defaultEventBuffer = 64

// Options configure an Engine.
type Options struct {
	// TargetDuration is the elapsed primary-track PTS that triggers a cut.
	TargetDuration time.Duration

	// OverlapWindow is the wall-clock time both slots receive units after a
	// cut.
	OverlapWindow time.Duration

	Strategy Strategy

	// Tracks are registered on every slot, in order. PrimaryTrack must be
	// one of them; cuts are aligned to its keyframes.
	Tracks       []media.TrackID
	PrimaryTrack media.TrackID

	Naming Naming
	Opener container.Opener

	// Optional.
	Ledger      LedgerSink
	Logger      *slog.Logger
	Metrics     Metrics
	Clock       Clock
	EventBuffer int
}

func (o *Options) validate() error {
	var errs []error
	if o.TargetDuration <= 0 {
		errs = append(errs, errors.New("target duration must be positive"))
	}
	if o.OverlapWindow < 0 {
		errs = append(errs, errors.New("overlap window must not be negative"))
	}
	if o.OverlapWindow >= o.TargetDuration {
		errs = append(errs, errors.New("overlap window must be shorter than the target duration"))
	}
	if o.Strategy != DualSlot && o.Strategy != SingleSlotFallback {
		errs = append(errs, fmt.Errorf("unknown strategy %d", int(o.Strategy)))
	}
	if o.Naming == nil {
		errs = append(errs, errors.New("naming collaborator is required"))
	}
	if o.Opener == nil {
		errs = append(errs, errors.New("container opener is required"))
	}

	seen := make(map[media.TrackID]bool)
	for _, t := range o.Tracks {
		if seen[t] {
			errs = append(errs, fmt.Errorf("track %s listed twice", t))
		}
		seen[t] = true
	}
	if !seen[o.PrimaryTrack] {
		errs = append(errs, fmt.Errorf("primary track %s is not in the track list", o.PrimaryTrack))
	}
	return errors.Join(errs...)
}

func (o *Options) setDefaults() {
	if o.Ledger == nil {
		o.Ledger = nopLedger{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
}
