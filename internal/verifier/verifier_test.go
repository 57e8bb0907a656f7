package verifier

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"segmenter/internal/media"
)

func TestVerifierRecordAndAnalyze(t *testing.T) {
	var ledger, journal bytes.Buffer
	v := New(Config{
		QueueSize: 16,
		Ledger:    NewLedgerWriter(&ledger),
		Journal:   NewTransitionJournal(&journal),
	})
	v.Start()

	v.RecordTransition(Transition{ToSegment: 1, Reason: ReasonInitial, KeyframeAligned: true, OverlapStartedAt: t0, OverlapEndedAt: t0})
	for i := uint64(0); i < 10; i++ {
		require.True(t, v.Record(entry(media.VideoTrack, i, time.Duration(i)*time.Second/30, 0, 1)))
	}
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	r := v.Analyze()
	require.True(t, r.OK())
	require.Equal(t, 10, r.Entries)
	require.Equal(t, 1, r.Transitions)
	require.Len(t, v.Entries(), 10)

	entries, err := ReadLedger(&ledger)
	require.NoError(t, err)
	require.Len(t, entries, 10)

	transitions, err := ReadTransitions(&journal)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, ReasonInitial, transitions[0].Reason)
}

func TestVerifierBacklog(t *testing.T) {
	// Not started: nothing consumes until Close.
	v := New(Config{QueueSize: 2})

	require.True(t, v.Record(entry(media.AudioTrack, 0, 0, 0, 1)))
	require.True(t, v.Record(entry(media.AudioTrack, 1, 0, 0, 1)))
	require.False(t, v.Record(entry(media.AudioTrack, 2, 0, 0, 1)))
	require.Equal(t, 2, v.Backlog())
	require.EqualValues(t, 1, v.Dropped())

	require.NoError(t, v.Close())

	r := v.Analyze()
	require.True(t, r.OK())
	require.EqualValues(t, 1, r.DroppedEntries)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestVerifierSinkError(t *testing.T) {
	v := New(Config{Ledger: NewLedgerWriter(failingWriter{})})
	v.Start()
	v.Record(entry(media.VideoTrack, 0, 0, 0, 1))
	require.Error(t, v.Close())
	require.Len(t, v.Entries(), 1)
}
