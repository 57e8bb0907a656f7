package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordingsBucket = []byte("recordings")

// BoltStore persists recording state in a bbolt database, one JSON value per
// recording.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w: %v", err, path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// GetRecording implements Store.GetRecording.
func (s *BoltStore) GetRecording(id RecordingID) (*RecordingState, bool, error) {
	var rec *RecordingState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(recordingsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		rec = &RecordingState{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return fmt.Errorf("could not unmarshal recording %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	if rec.Segments == nil {
		rec.Segments = make(map[int64]Segment)
	}
	return rec, true, nil
}

// SetRecording implements Store.SetRecording.
func (s *BoltStore) SetRecording(r *RecordingState) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal recording %s: %w", r.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordingsBucket).Put([]byte(r.ID), raw)
	})
}

// ListRecordingIDs implements Store.ListRecordingIDs.
func (s *BoltStore) ListRecordingIDs() ([]RecordingID, error) {
	var ids []RecordingID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordingsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, RecordingID(k))
			return nil
		})
	})
	return ids, err
}
