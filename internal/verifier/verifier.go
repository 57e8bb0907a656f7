package verifier

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is about 30 seconds of 30fps video plus 50fps audio.
const DefaultQueueSize = 2400

// Config configures a Verifier.
type Config struct {
	// QueueSize bounds the entries waiting for the consumer.
	QueueSize int

	// Ledger and Journal are optional durable sinks, written by the consumer.
	Ledger  *LedgerWriter
	Journal *TransitionJournal

	Logger *slog.Logger
}

// Verifier collects the continuity ledger of one recording.
//
// Record has a single producer, the caller of the engine's Submit, and a
// single consumer goroutine started by Start. A full queue drops the ledger
// entry, never the write.
type Verifier struct {
	log     *slog.Logger
	queue   chan Entry
	ledger  *LedgerWriter
	journal *TransitionJournal

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	mu           sync.Mutex
	entries      []Entry
	transitions  []Transition
	journaled    int
	dropped      droppedSet
	sinkErr      error
	droppedCount atomic.Uint64
}

// New returns a Verifier. Call Start before recording.
func New(cfg Config) *Verifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		log:     cfg.Logger,
		queue:   make(chan Entry, cfg.QueueSize),
		ledger:  cfg.Ledger,
		journal: cfg.Journal,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropped: make(droppedSet),
	}
}

// Start launches the consumer goroutine.
func (v *Verifier) Start() {
	v.startOnce.Do(func() {
		go v.run()
	})
}

// Record queues an entry without blocking. It returns false if the queue was
// full and the entry was dropped.
func (v *Verifier) Record(e Entry) bool {
	select {
	case v.queue <- e:
		return true
	default:
	}

	v.droppedCount.Add(1)
	v.mu.Lock()
	v.dropped.add(e.Track, e.Seq)
	v.mu.Unlock()
	return false
}

// RecordTransition appends a completed transition.
func (v *Verifier) RecordTransition(t Transition) {
	v.mu.Lock()
	v.transitions = append(v.transitions, t)
	v.mu.Unlock()

	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of entries lost to backlog.
func (v *Verifier) Dropped() uint64 {
	return v.droppedCount.Load()
}

// Backlog returns the number of entries waiting for the consumer.
func (v *Verifier) Backlog() int {
	return len(v.queue)
}

// Close drains the queue, flushes the sinks and stops the consumer. It
// returns the first sink error, if any. The producer must have stopped.
func (v *Verifier) Close() error {
	v.stopOnce.Do(func() {
		v.stopped.Store(true)
		v.Start()
		close(v.stop)
	})
	<-v.done

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sinkErr
}

// Analyze runs the continuity analysis over everything consumed so far.
// Before Close, duplicates of a still open overlap are reported as pending.
func (v *Verifier) Analyze() Report {
	v.mu.Lock()
	entries := make([]Entry, len(v.entries))
	copy(entries, v.entries)
	transitions := make([]Transition, len(v.transitions))
	copy(transitions, v.transitions)
	dropped := v.dropped.clone()
	v.mu.Unlock()

	return analyze(entries, transitions, analyzeOptions{
		dropped: dropped,
		live:    !v.stopped.Load(),
	})
}

// Entries returns a copy of the consumed ledger.
func (v *Verifier) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

func (v *Verifier) run() {
	defer close(v.done)
	for {
		select {
		case e := <-v.queue:
			v.consume(e)
			if len(v.queue) == 0 {
				v.flush()
			}
		case <-v.notify:
			v.flush()
		case <-v.stop:
			for {
				select {
				case e := <-v.queue:
					v.consume(e)
				default:
					v.flush()
					return
				}
			}
		}
	}
}

func (v *Verifier) consume(e Entry) {
	v.mu.Lock()
	v.entries = append(v.entries, e)
	v.mu.Unlock()

	if v.ledger == nil {
		return
	}
	if err := v.ledger.Write(e); err != nil {
		v.setSinkErr(err, "write ledger entry")
	}
}

// flush writes pending transitions to the journal and flushes the ledger.
func (v *Verifier) flush() {
	v.mu.Lock()
	pending := v.transitions[v.journaled:]
	v.journaled = len(v.transitions)
	v.mu.Unlock()

	if v.journal != nil {
		for _, t := range pending {
			if err := v.journal.Write(t); err != nil {
				v.setSinkErr(err, "write transition journal")
			}
		}
	}
	if v.ledger != nil {
		if err := v.ledger.Flush(); err != nil {
			v.setSinkErr(err, "flush ledger")
		}
	}
}

func (v *Verifier) setSinkErr(err error, msg string) {
	v.mu.Lock()
	first := v.sinkErr == nil
	if first {
		v.sinkErr = err
	}
	v.mu.Unlock()
	if first {
		v.log.Error(msg, slog.String("error", err.Error()))
	}
}
