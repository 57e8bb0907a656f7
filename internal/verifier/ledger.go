package verifier

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"segmenter/internal/media"
)

// ledgerHeader is the first line of every ledger file. One line is written
// per segment write, so a unit duplicated during an overlap occupies two
// adjacent lines.
var ledgerHeader = []string{"seq", "pts", "track", "segment_id", "timestamp", "keyframe"}

// ErrBadLedger is returned for a ledger file that cannot be parsed.
var ErrBadLedger = errors.New("malformed ledger")

// LedgerWriter appends entries to a line-oriented ledger file.
type LedgerWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewLedgerWriter returns a writer that appends to w.
func NewLedgerWriter(w io.Writer) *LedgerWriter {
	return &LedgerWriter{w: csv.NewWriter(w)}
}

// Write appends one line per segment the entry was written to.
func (l *LedgerWriter) Write(e Entry) error {
	if !l.wroteHeader {
		if err := l.w.Write(ledgerHeader); err != nil {
			return err
		}
		l.wroteHeader = true
	}

	segments := e.WroteTo
	if len(segments) == 0 {
		segments = []uint32{e.SegmentID}
	}
	for _, seg := range segments {
		record := []string{
			strconv.FormatUint(e.Seq, 10),
			strconv.FormatInt(int64(e.PTS), 10),
			e.Track.String(),
			strconv.FormatUint(uint64(seg), 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatBool(e.IsKeyframe),
		}
		if err := l.w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (l *LedgerWriter) Flush() error {
	l.w.Flush()
	return l.w.Error()
}

// ReadLedger parses a ledger file back into entries. Adjacent lines for the
// same unit are merged into one entry.
func ReadLedger(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1

	var entries []Entry
	line := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadLedger, err)
		}
		line++
		if line == 1 && len(record) > 0 && record[0] == ledgerHeader[0] {
			continue
		}

		e, err := parseLedgerRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadLedger, line, err)
		}

		if n := len(entries); n > 0 && sameUnit(&entries[n-1], &e) {
			prev := &entries[n-1]
			prev.WroteTo = append(prev.WroteTo, e.SegmentID)
			prev.SegmentID = e.SegmentID
			continue
		}
		entries = append(entries, e)
	}
}

func sameUnit(prev, next *Entry) bool {
	if prev.Track != next.Track || prev.Seq != next.Seq || !prev.Timestamp.Equal(next.Timestamp) {
		return false
	}
	for _, seg := range prev.WroteTo {
		if seg == next.SegmentID {
			return false
		}
	}
	return true
}

func parseLedgerRecord(record []string) (Entry, error) {
	if len(record) < 5 {
		return Entry{}, fmt.Errorf("expected at least 5 fields, got %d", len(record))
	}

	seq, err := strconv.ParseUint(record[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("seq: %w", err)
	}
	pts, err := strconv.ParseInt(record[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("pts: %w", err)
	}
	track, err := media.ParseTrackID(record[2])
	if err != nil {
		return Entry{}, err
	}
	seg, err := strconv.ParseUint(record[3], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("segment_id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, record[4])
	if err != nil {
		return Entry{}, fmt.Errorf("timestamp: %w", err)
	}

	var keyframe bool
	if len(record) > 5 {
		if keyframe, err = strconv.ParseBool(record[5]); err != nil {
			return Entry{}, fmt.Errorf("keyframe: %w", err)
		}
	}

	return Entry{
		Track:      track,
		Seq:        seq,
		PTS:        time.Duration(pts),
		IsKeyframe: keyframe,
		SegmentID:  uint32(seg),
		WroteTo:    []uint32{uint32(seg)},
		Timestamp:  ts,
	}, nil
}

// TransitionJournal appends transitions as JSON lines.
type TransitionJournal struct {
	enc *json.Encoder
}

// NewTransitionJournal returns a journal writing to w.
func NewTransitionJournal(w io.Writer) *TransitionJournal {
	return &TransitionJournal{enc: json.NewEncoder(w)}
}

// Write appends one transition.
func (j *TransitionJournal) Write(t Transition) error {
	return j.enc.Encode(t)
}

// ReadTransitions parses a transitions journal.
func ReadTransitions(r io.Reader) ([]Transition, error) {
	dec := json.NewDecoder(r)
	var out []Transition
	for {
		var t Transition
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode transition: %w", err)
		}
		out = append(out, t)
	}
}
