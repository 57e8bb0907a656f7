package handoff

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"segmenter/internal/container"
	"segmenter/internal/media"
)

var errDisk = errors.New("disk on fire")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeNaming struct {
	mu        sync.Mutex
	finalized []FileRef
}

func (n *fakeNaming) NextSegmentPath(id uint32) string {
	return segPath(id)
}

func (n *fakeNaming) OnSegmentFinalized(ref FileRef) {
	n.mu.Lock()
	n.finalized = append(n.finalized, ref)
	n.mu.Unlock()
}

func (n *fakeNaming) ids() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []uint32
	for _, ref := range n.finalized {
		out = append(out, ref.SegmentID)
	}
	return out
}

func segPath(id uint32) string {
	return fmt.Sprintf("seg-%06d.ts", id)
}

// fakeOpener hands out in-memory writers. Failure knobs are keyed by path and
// must be set before the engine is opened. Open blocks on a path's gate until
// the channel is closed.
type fakeOpener struct {
	failOpen  map[string]int
	failAfter map[string]int
	closeErr  map[string]error
	gate      map[string]chan struct{}
	writeHook func(path string)

	mu      sync.Mutex
	opens   map[string]int
	writers map[string]*fakeWriter
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		failOpen:  make(map[string]int),
		failAfter: make(map[string]int),
		closeErr:  make(map[string]error),
		gate:      make(map[string]chan struct{}),
		opens:     make(map[string]int),
		writers:   make(map[string]*fakeWriter),
	}
}

func (o *fakeOpener) Open(path string) (container.Writer, error) {
	if g, ok := o.gate[path]; ok {
		<-g
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens[path]++
	if o.failOpen[path] >= o.opens[path] {
		return nil, fmt.Errorf("open %s: %w", path, errDisk)
	}
	w := &fakeWriter{opener: o, path: path, failAfter: -1}
	if n, ok := o.failAfter[path]; ok {
		w.failAfter = n
	}
	w.closeErr = o.closeErr[path]
	o.writers[path] = w
	return w, nil
}

func (o *fakeOpener) writer(path string) *fakeWriter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writers[path]
}

type fakeUnit struct {
	track    media.TrackID
	pts      time.Duration
	keyframe bool
}

type fakeWriter struct {
	opener    *fakeOpener
	path      string
	failAfter int
	closeErr  error

	tracks  []media.TrackID
	units   []fakeUnit
	closes  int
	aborted bool
}

func (w *fakeWriter) AddTrack(kind media.TrackID) (container.TrackHandle, error) {
	w.tracks = append(w.tracks, kind)
	return container.TrackHandle(len(w.tracks) - 1), nil
}

func (w *fakeWriter) Write(h container.TrackHandle, _ []byte, pts time.Duration, isKeyframe bool) error {
	if hook := w.opener.writeHook; hook != nil {
		hook(w.path)
	}
	if w.closes > 0 || w.aborted {
		return container.ErrClosed
	}
	if w.failAfter >= 0 && len(w.units) >= w.failAfter {
		return errDisk
	}
	w.units = append(w.units, fakeUnit{track: w.tracks[h], pts: pts, keyframe: isKeyframe})
	return nil
}

func (w *fakeWriter) Close() error {
	w.closes++
	return w.closeErr
}

func (w *fakeWriter) Abort() error {
	w.aborted = true
	return nil
}

// stream returns interleaved 30fps video with a keyframe every keyEvery
// frames and 50Hz audio, ordered by PTS with video first on ties.
func stream(d time.Duration, keyEvery int) []media.AccessUnit {
	var out []media.AccessUnit
	var vi, ai uint64
	for {
		vpts := time.Duration(vi) * time.Second / 30
		apts := time.Duration(ai) * 20 * time.Millisecond
		if vpts >= d && apts >= d {
			return out
		}
		if vpts <= apts && vpts < d {
			out = append(out, media.AccessUnit{
				Track:      media.VideoTrack,
				PTS:        vpts,
				IsKeyframe: keyEvery > 0 && vi%uint64(keyEvery) == 0,
				Payload:    []byte{0x65},
				Seq:        vi,
			})
			vi++
			continue
		}
		out = append(out, media.AccessUnit{
			Track:   media.AudioTrack,
			PTS:     apts,
			Payload: []byte{0x21},
			Seq:     ai,
		})
		ai++
	}
}
