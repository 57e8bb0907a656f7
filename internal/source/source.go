// Package source produces a synthetic access unit stream: H.264 video with a
// fixed GOP and AAC audio, interleaved in presentation order.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"segmenter/internal/media"
)

// aacFrameSamples is the number of PCM samples per AAC-LC access unit.
const aacFrameSamples = 1024

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS   = []byte{0x68, 0xcb, 0x8c, 0xb2}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testSlice = []byte{0x41, 0x9a, 0x02, 0x04}

	// silentAACFrame is one raw AAC-LC stereo frame of silence.
	silentAACFrame = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
)

// Config configures a Generator.
type Config struct {
	FrameRate        int
	KeyframeInterval int
	Audio            bool
	AACConfig        *mpeg4audio.AudioSpecificConfig

	// Duration stops the stream after this much PTS. Zero means unbounded.
	Duration time.Duration

	// Realtime paces Run so units are delivered at their PTS.
	Realtime bool
}

// Generator is a deterministic access unit producer.
type Generator struct {
	cfg        Config
	sampleRate int

	keyframe []byte
	frame    []byte

	videoSeq uint64
	audioSeq uint64
}

// New validates cfg and builds the payload templates.
func New(cfg Config) (*Generator, error) {
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", cfg.FrameRate)
	}
	if cfg.KeyframeInterval <= 0 {
		return nil, fmt.Errorf("keyframe interval must be positive, got %d", cfg.KeyframeInterval)
	}
	if cfg.AACConfig == nil {
		cfg.AACConfig = &mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		}
	}
	if cfg.Audio && cfg.AACConfig.SampleRate <= 0 {
		return nil, errors.New("audio sample rate must be positive")
	}

	keyframe, err := h264.AnnexB([][]byte{testSPS, testPPS, testIDR}).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal keyframe: %w", err)
	}
	frame, err := h264.AnnexB([][]byte{testSlice}).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	return &Generator{
		cfg:        cfg,
		sampleRate: cfg.AACConfig.SampleRate,
		keyframe:   keyframe,
		frame:      frame,
	}, nil
}

func (g *Generator) videoPTS() time.Duration {
	return time.Duration(g.videoSeq) * time.Second / time.Duration(g.cfg.FrameRate)
}

func (g *Generator) audioPTS() time.Duration {
	return time.Duration(g.audioSeq*aacFrameSamples) * time.Second / time.Duration(g.sampleRate)
}

// Next returns the next unit in PTS order, video first on ties. ok is false
// once Duration is reached.
func (g *Generator) Next() (au media.AccessUnit, ok bool) {
	vpts := g.videoPTS()
	useVideo := true
	if g.cfg.Audio {
		apts := g.audioPTS()
		useVideo = vpts <= apts
		if g.cfg.Duration > 0 && vpts >= g.cfg.Duration {
			useVideo = false
		}
		if !useVideo && g.cfg.Duration > 0 && apts >= g.cfg.Duration {
			return media.AccessUnit{}, false
		}
	} else if g.cfg.Duration > 0 && vpts >= g.cfg.Duration {
		return media.AccessUnit{}, false
	}

	if useVideo {
		key := g.videoSeq%uint64(g.cfg.KeyframeInterval) == 0
		payload := g.frame
		if key {
			payload = g.keyframe
		}
		au = media.AccessUnit{
			Track:      media.VideoTrack,
			PTS:        vpts,
			IsKeyframe: key,
			Payload:    payload,
			Seq:        g.videoSeq,
		}
		g.videoSeq++
		return au, true
	}

	au = media.AccessUnit{
		Track:   media.AudioTrack,
		PTS:     g.audioPTS(),
		Payload: silentAACFrame,
		Seq:     g.audioSeq,
	}
	g.audioSeq++
	return au, true
}

// Tracks returns the tracks the generator produces.
func (g *Generator) Tracks() []media.TrackID {
	if g.cfg.Audio {
		return []media.TrackID{media.VideoTrack, media.AudioTrack}
	}
	return []media.TrackID{media.VideoTrack}
}

// Run delivers units to sink until the stream ends, ctx is canceled or sink
// fails. In realtime mode each unit waits for its PTS to elapse.
func (g *Generator) Run(ctx context.Context, sink func(media.AccessUnit) error) error {
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		au, ok := g.Next()
		if !ok {
			return nil
		}

		if g.cfg.Realtime {
			if wait := time.Until(start.Add(au.PTS)); wait > 0 {
				timer.Reset(wait)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(au); err != nil {
			return err
		}
	}
}
