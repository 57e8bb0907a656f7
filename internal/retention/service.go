package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"segmenter/internal/handoff"
)

// DefaultWindowSize is the default number of segments in the sliding window.
const DefaultWindowSize = 6

// Service applies the sliding window and naming rules and delegates storage
// to a Repository.
type Service struct {
	repo       Repository
	windowSize int
	dir        string
	log        *slog.Logger
}

// NewService returns a Service that stores segment files below dir and keeps
// at most windowSize segments in the playlist window. If windowSize <= 0,
// DefaultWindowSize is used.
func NewService(repo Repository, dir string, windowSize int, log *slog.Logger) *Service {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, windowSize: windowSize, dir: dir, log: log}
}

// Dir returns the directory holding the files of recording id.
func (s *Service) Dir(id RecordingID) string {
	return filepath.Join(s.dir, string(id))
}

// SegmentPath returns the file path of segment index of recording id.
func (s *Service) SegmentPath(id RecordingID, index uint32) string {
	return filepath.Join(s.Dir(id), fmt.Sprintf("%s-%06d.ts", id, index))
}

// RegisterSegment records a finalized segment. Duplicates are idempotent.
func (s *Service) RegisterSegment(id RecordingID, seg Segment) error {
	return s.repo.RegisterSegment(id, seg)
}

// GetPlaylist returns the HLS media playlist of recording id. ok is false if
// the recording is unknown.
func (s *Service) GetPlaylist(id RecordingID) (m3u8 []byte, ok bool, err error) {
	segments, ended, ok, err := s.repo.GetSnapshot(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	window := contiguousWindow(segments, s.windowSize)
	m3u8, err = BuildMediaPlaylist(window, ended)
	return m3u8, true, err
}

// Segments returns every finalized segment of recording id.
func (s *Service) Segments(id RecordingID) ([]Segment, bool, error) {
	segments, _, ok, err := s.repo.GetSnapshot(id)
	return segments, ok, err
}

// EndRecording marks the recording as ended; new segments will be rejected.
func (s *Service) EndRecording(id RecordingID) error {
	return s.repo.EndRecording(id)
}

// ActiveRecordingCount returns the number of recordings not ended.
func (s *Service) ActiveRecordingCount() int {
	return s.repo.ActiveRecordingCount()
}

// Namer returns the naming collaborator for one recording.
func (s *Service) Namer(id RecordingID) *Namer {
	return &Namer{svc: s, id: id, log: s.log.With(slog.String("recording", string(id)))}
}

// Namer names the segment files of one recording and indexes them once they
// are finalized.
type Namer struct {
	svc *Service
	id  RecordingID
	log *slog.Logger

	// OnRegistered is called after a segment was added to the index.
	OnRegistered func(Segment)
}

// NextSegmentPath returns <dir>/<recording>/<recording>-<index>.ts.
func (n *Namer) NextSegmentPath(index uint32) string {
	return n.svc.SegmentPath(n.id, index)
}

// OnSegmentFinalized adds a finalized segment to the recording's index.
func (n *Namer) OnSegmentFinalized(ref handoff.FileRef) {
	seg := Segment{
		Sequence:        int64(ref.SegmentID),
		Duration:        ref.Duration.Seconds(),
		Path:            ref.Path,
		Units:           ref.Units,
		KeyframeAligned: ref.KeyframeAligned,
	}
	if err := n.svc.RegisterSegment(n.id, seg); err != nil {
		if errors.Is(err, ErrRecordingEnded) {
			n.log.Warn("segment finalized after recording ended",
				slog.Int64("sequence", seg.Sequence))
			return
		}
		n.log.Error("register segment failed",
			slog.Int64("sequence", seg.Sequence),
			slog.String("error", err.Error()))
		return
	}
	n.log.Debug("segment registered",
		slog.Int64("sequence", seg.Sequence),
		slog.Float64("duration", seg.Duration))
	if n.OnRegistered != nil {
		n.OnRegistered(seg)
	}
}

// contiguousWindow slides a window of at most windowSize segments over segs,
// then keeps only the run that continues without a gap, so a segment missing
// from the index eventually falls off the back. segs must be sorted by
// Sequence ascending.
func contiguousWindow(segs []Segment, windowSize int) []Segment {
	if len(segs) == 0 || windowSize <= 0 {
		return nil
	}

	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}
