package retention

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for accessing and mutating
// recording state.
type Repository interface {
	// RegisterSegment records a finalized segment. The recording is created
	// on first use. Duplicate sequence numbers are ignored. Registering on an
	// ended recording returns ErrRecordingEnded.
	RegisterSegment(id RecordingID, seg Segment) error

	// GetSnapshot returns the segments sorted by sequence and the ended flag.
	// ok is false if the recording does not exist.
	GetSnapshot(id RecordingID) (segments []Segment, ended bool, ok bool, err error)

	// EndRecording marks a recording as ended. Ending an unknown recording
	// creates it in the ended state.
	EndRecording(id RecordingID) error

	// ActiveRecordingCount returns the number of recordings not ended.
	ActiveRecordingCount() int
}

// ErrRecordingEnded is returned when registering a segment on a recording
// that has already ended.
var ErrRecordingEnded = errors.New("recording has ended")

// StoreRepository is a concurrency-safe Repository backed by a Store.
type StoreRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewRepository returns a repository backed by an in-memory store.
func NewRepository() *StoreRepository {
	return NewRepositoryWithStore(NewInMemoryStore())
}

// NewRepositoryWithStore returns a repository that uses the given Store.
func NewRepositoryWithStore(store Store) *StoreRepository {
	return &StoreRepository{store: store, now: time.Now}
}

// RegisterSegment implements Repository.RegisterSegment.
func (r *StoreRepository) RegisterSegment(id RecordingID, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.getOrCreateLocked(id)
	if err != nil {
		return err
	}
	if rec.Ended {
		return ErrRecordingEnded
	}

	// Ignore duplicate sequence numbers to avoid corrupting state.
	if _, exists := rec.Segments[seg.Sequence]; exists {
		return nil
	}

	seg.FinalizedAt = r.now().UTC()
	rec.Segments[seg.Sequence] = seg
	if err := r.store.SetRecording(rec); err != nil {
		delete(rec.Segments, seg.Sequence)
		return fmt.Errorf("store segment %d: %w", seg.Sequence, err)
	}
	return nil
}

// GetSnapshot implements Repository.GetSnapshot.
func (r *StoreRepository) GetSnapshot(id RecordingID) ([]Segment, bool, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists, err := r.store.GetRecording(id)
	if err != nil || !exists {
		return nil, false, false, err
	}
	if len(rec.Segments) == 0 {
		return nil, rec.Ended, true, nil
	}

	sequences := make([]int64, 0, len(rec.Segments))
	for seq := range rec.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments := make([]Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, rec.Segments[seq])
	}
	return segments, rec.Ended, true, nil
}

// EndRecording implements Repository.EndRecording.
func (r *StoreRepository) EndRecording(id RecordingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.getOrCreateLocked(id)
	if err != nil {
		return err
	}
	if rec.Ended {
		return nil
	}
	rec.Ended = true
	return r.store.SetRecording(rec)
}

// ActiveRecordingCount implements Repository.ActiveRecordingCount.
func (r *StoreRepository) ActiveRecordingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, err := r.store.ListRecordingIDs()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if rec, ok, err := r.store.GetRecording(id); err == nil && ok && !rec.Ended {
			n++
		}
	}
	return n
}

// getOrCreateLocked returns an existing recording or creates a new one.
// Caller must hold r.mu in write mode.
func (r *StoreRepository) getOrCreateLocked(id RecordingID) (*RecordingState, error) {
	rec, ok, err := r.store.GetRecording(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}

	rec = &RecordingState{
		ID:       id,
		Segments: make(map[int64]Segment),
	}
	if err := r.store.SetRecording(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
