// Package container is the boundary between the segment hand-off engine and
// the muxer that turns access units into a segment file. The engine only
// relies on the Writer and Opener interfaces; TSWriter is the MPEG-TS
// implementation used by the recorder binary.
package container

import (
	"errors"
	"time"

	"segmenter/internal/media"
)

// TrackHandle refers to a track registered on one Writer.
type TrackHandle int

// Writer is one open segment file.
type Writer interface {
	// AddTrack registers an elementary stream. It must be called for every
	// track before the first Write.
	AddTrack(track media.TrackID) (TrackHandle, error)

	// Write muxes one access unit into the file.
	Write(h TrackHandle, payload []byte, pts time.Duration, isKeyframe bool) error

	// Close flushes buffered data and closes the file.
	Close() error

	// Abort closes the file and removes it. Used for segments that never
	// received data.
	Abort() error
}

// Opener creates a Writer for a path.
type Opener interface {
	Open(path string) (Writer, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Writer, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Writer, error) {
	return f(path)
}

var (
	// ErrClosed is returned by writes on a closed writer.
	ErrClosed = errors.New("container writer closed")

	// ErrTracksLocked is returned when a track is added after data was written.
	ErrTracksLocked = errors.New("tracks locked after first write")

	// ErrUnknownTrack is returned for a handle that was never registered.
	ErrUnknownTrack = errors.New("unknown track handle")

	// ErrUnsupportedTrack is returned for a track kind the writer cannot mux.
	ErrUnsupportedTrack = errors.New("unsupported track")
)
