package retention

// Store is the persistence abstraction for recording state. The Repository
// serializes access; implementations need not be safe for concurrent use.
type Store interface {
	GetRecording(id RecordingID) (*RecordingState, bool, error)
	SetRecording(r *RecordingState) error
	ListRecordingIDs() ([]RecordingID, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	recordings map[RecordingID]*RecordingState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		recordings: make(map[RecordingID]*RecordingState),
	}
}

// GetRecording implements Store.GetRecording.
func (s *InMemoryStore) GetRecording(id RecordingID) (*RecordingState, bool, error) {
	r, ok := s.recordings[id]
	return r, ok, nil
}

// SetRecording implements Store.SetRecording.
func (s *InMemoryStore) SetRecording(r *RecordingState) error {
	s.recordings[r.ID] = r
	return nil
}

// ListRecordingIDs implements Store.ListRecordingIDs.
func (s *InMemoryStore) ListRecordingIDs() ([]RecordingID, error) {
	ids := make([]RecordingID, 0, len(s.recordings))
	for id := range s.recordings {
		ids = append(ids, id)
	}
	return ids, nil
}
