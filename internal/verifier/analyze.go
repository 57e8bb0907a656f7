package verifier

import (
	"sort"

	"segmenter/internal/media"
)

// droppedSet holds seqs whose ledger entries were dropped, per track.
type droppedSet map[media.TrackID]map[uint64]struct{}

func (d droppedSet) add(track media.TrackID, seq uint64) {
	m, ok := d[track]
	if !ok {
		m = make(map[uint64]struct{})
		d[track] = m
	}
	m[seq] = struct{}{}
}

func (d droppedSet) has(track media.TrackID, seq uint64) bool {
	_, ok := d[track][seq]
	return ok
}

func (d droppedSet) clone() droppedSet {
	out := make(droppedSet, len(d))
	for track, seqs := range d {
		m := make(map[uint64]struct{}, len(seqs))
		for seq := range seqs {
			m[seq] = struct{}{}
		}
		out[track] = m
	}
	return out
}

type analyzeOptions struct {
	dropped droppedSet

	// Live analysis tolerates two-segment entries newer than the last
	// completed transition, since that overlap is still open.
	live bool
}

// AnalyzeEntries checks a ledger in write order against the transitions
// that were declared while it was written.
func AnalyzeEntries(entries []Entry, transitions []Transition) Report {
	return analyze(entries, transitions, analyzeOptions{})
}

func analyze(entries []Entry, transitions []Transition, opts analyzeOptions) Report {
	report := Report{
		Entries:     len(entries),
		Transitions: len(transitions),
	}

	type trackState struct {
		seq uint64
		pts int64
	}
	last := make(map[media.TrackID]trackState)
	seen := make(map[media.TrackID]map[uint64]int)

	declared := make(map[uint32]bool)
	for _, t := range transitions {
		if !t.KeyframeAligned {
			declared[t.ToSegment] = true
		}
		if d := t.Duration(); d > report.MaxTransitionDuration {
			report.MaxTransitionDuration = d
		}
	}

	var lastTransitionEnd int64
	if n := len(transitions); n > 0 {
		lastTransitionEnd = transitions[n-1].OverlapEndedAt.UnixNano()
	}

	firstVideo := make(map[uint32]bool)
	nonAligned := make(map[uint32]bool)

	for i := range entries {
		e := &entries[i]

		if prev, ok := last[e.Track]; ok {
			if e.Seq > prev.seq+1 {
				missing := uint64(0)
				for s := prev.seq + 1; s < e.Seq; s++ {
					if !opts.dropped.has(e.Track, s) {
						missing++
					}
				}
				if missing > 0 {
					report.Gaps = append(report.Gaps, Gap{
						Track:   e.Track,
						After:   prev.seq,
						Before:  e.Seq,
						Missing: missing,
					})
				}
			}
			if int64(e.PTS) < prev.pts {
				report.OutOfOrderCount++
			}
		}
		last[e.Track] = trackState{seq: e.Seq, pts: int64(e.PTS)}

		counts, ok := seen[e.Track]
		if !ok {
			counts = make(map[uint64]int)
			seen[e.Track] = counts
		}
		counts[e.Seq]++
		if counts[e.Seq] > 1 {
			report.UnexpectedDuplicates = append(report.UnexpectedDuplicates, Duplicate{
				Track:    e.Track,
				Seq:      e.Seq,
				Segments: e.WroteTo,
				Reason:   "sequence number written more than once",
			})
		}

		switch {
		case len(e.WroteTo) > 2:
			report.UnexpectedDuplicates = append(report.UnexpectedDuplicates, Duplicate{
				Track:    e.Track,
				Seq:      e.Seq,
				Segments: e.WroteTo,
				Reason:   "written to more than two segments",
			})
		case len(e.WroteTo) == 2 && e.WroteTo[0] == e.WroteTo[1]:
			report.UnexpectedDuplicates = append(report.UnexpectedDuplicates, Duplicate{
				Track:    e.Track,
				Seq:      e.Seq,
				Segments: e.WroteTo,
				Reason:   "written twice to one segment",
			})
		case len(e.WroteTo) == 2 && !coveredByTransition(e, transitions):
			if opts.live && e.Timestamp.UnixNano() >= lastTransitionEnd {
				report.PendingOverlapUnits++
				break
			}
			report.UnexpectedDuplicates = append(report.UnexpectedDuplicates, Duplicate{
				Track:    e.Track,
				Seq:      e.Seq,
				Segments: e.WroteTo,
				Reason:   "duplicated outside any overlap window",
			})
		}

		if e.Track != media.VideoTrack {
			continue
		}
		for _, seg := range e.WroteTo {
			if firstVideo[seg] {
				continue
			}
			firstVideo[seg] = true
			if !e.IsKeyframe && !declared[seg] {
				nonAligned[seg] = true
			}
		}
	}

	report.NonAlignedSegments = sortedKeys(nonAligned)
	report.DeclaredNonAligned = sortedKeys(declared)
	for _, seqs := range opts.dropped {
		report.DroppedEntries += uint64(len(seqs))
	}
	return report
}

func coveredByTransition(e *Entry, transitions []Transition) bool {
	for _, t := range transitions {
		if t.covers(e) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[uint32]bool) []uint32 {
	if len(m) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
