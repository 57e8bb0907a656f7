package container

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"segmenter/internal/media"
)

// MPEG-TS packet identifiers.
const (
	TSVideoPID = 0x0100
	TSAudioPID = 0x0101
)

const defaultTSBufferSize = 64 * 1024

// DefaultAACConfig is used when TSConfig.AACConfig is nil: AAC-LC, 48kHz, stereo.
var DefaultAACConfig = mpeg4audio.AudioSpecificConfig{
	Type:         mpeg4audio.ObjectTypeAACLC,
	SampleRate:   48000,
	ChannelCount: 2,
}

// TSConfig configures TS segment files.
type TSConfig struct {
	AACConfig  *mpeg4audio.AudioSpecificConfig
	BufferSize int
	Logger     *slog.Logger
}

// TSOpener creates MPEG-TS segment files on the local filesystem.
type TSOpener struct {
	config TSConfig
}

// NewTSOpener returns an Opener producing TSWriters.
func NewTSOpener(config TSConfig) *TSOpener {
	if config.AACConfig == nil {
		aac := DefaultAACConfig
		config.AACConfig = &aac
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaultTSBufferSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &TSOpener{config: config}
}

// Open implements Opener. Parent directories are created as needed.
func (o *TSOpener) Open(path string) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	return &TSWriter{
		path:   path,
		file:   f,
		buf:    bufio.NewWriterSize(f, o.config.BufferSize),
		config: o.config,
	}, nil
}

// TSWriter muxes access units into one MPEG-TS file using mediacommon.
// It is not safe for concurrent use.
type TSWriter struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	config TSConfig

	muxer  *mpegts.Writer
	tracks []*mpegts.Track
	kinds  []media.TrackID

	initialized bool
	closed      bool
}

// Path returns the file path.
func (w *TSWriter) Path() string {
	return w.path
}

// AddTrack implements Writer.
func (w *TSWriter) AddTrack(kind media.TrackID) (TrackHandle, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.initialized {
		return 0, ErrTracksLocked
	}

	var track *mpegts.Track
	switch kind {
	case media.VideoTrack:
		track = &mpegts.Track{PID: TSVideoPID, Codec: &mpegts.CodecH264{}}
	case media.AudioTrack:
		track = &mpegts.Track{PID: TSAudioPID, Codec: &mpegts.CodecMPEG4Audio{Config: *w.config.AACConfig}}
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedTrack, kind)
	}

	w.tracks = append(w.tracks, track)
	w.kinds = append(w.kinds, kind)
	return TrackHandle(len(w.tracks) - 1), nil
}

func (w *TSWriter) initialize() error {
	w.muxer = &mpegts.Writer{
		W:      w.buf,
		Tracks: w.tracks,
	}
	if err := w.muxer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	w.initialized = true
	w.config.Logger.Debug("mpegts segment initialized",
		slog.String("path", w.path),
		slog.Int("tracks", len(w.tracks)))
	return nil
}

// Write implements Writer. Video payloads are Annex-B access units, audio
// payloads are raw AAC frames.
func (w *TSWriter) Write(h TrackHandle, payload []byte, pts time.Duration, isKeyframe bool) error {
	if w.closed {
		return ErrClosed
	}
	if int(h) < 0 || int(h) >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, h)
	}
	if !w.initialized {
		if err := w.initialize(); err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		return nil
	}

	ts := durationToTS(pts)
	track := w.tracks[h]

	switch w.kinds[h] {
	case media.VideoTrack:
		au := dataToAccessUnit(payload)
		if isKeyframe && !h264.IsRandomAccess(au) {
			w.config.Logger.Debug("keyframe flag without IDR NAL unit",
				slog.String("path", w.path),
				slog.Duration("pts", pts))
		}
		return w.muxer.WriteH264(track, ts, ts, au)
	case media.AudioTrack:
		return w.muxer.WriteMPEG4Audio(track, ts, [][]byte{payload})
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedTrack, w.kinds[h])
	}
}

// Close implements Writer.
func (w *TSWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.buf.Flush()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	switch {
	case flushErr != nil:
		return fmt.Errorf("flush segment: %w", flushErr)
	case syncErr != nil:
		return fmt.Errorf("sync segment: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("close segment: %w", closeErr)
	}
	return nil
}

// Abort implements Writer.
func (w *TSWriter) Abort() error {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment: %w", err)
	}
	return nil
}

// durationToTS converts a presentation time to the 90kHz MPEG-TS clock.
func durationToTS(d time.Duration) int64 {
	secs := d / time.Second
	rem := d % time.Second
	return int64(secs)*90000 + int64(rem)*90000/int64(time.Second)
}

// dataToAccessUnit splits an Annex-B payload into NAL units. Payloads without
// a start code are treated as a single NAL unit.
func dataToAccessUnit(data []byte) [][]byte {
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 &&
		(data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
	}
	return [][]byte{data}
}
