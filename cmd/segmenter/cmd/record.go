package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"segmenter/internal/container"
	"segmenter/internal/handoff"
	"segmenter/internal/media"
	"segmenter/internal/platform/logger"
	"segmenter/internal/platform/metrics"
	"segmenter/internal/retention"
	"segmenter/internal/source"
	"segmenter/internal/verifier"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	ledgerFileName      = "ledger.csv"
	transitionsFileName = "transitions.jsonl"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a synthetic test stream into segments",
	Long: `record feeds a synthetic H.264/AAC test pattern through the segment
hand-off engine and writes MPEG-TS segments, a continuity ledger and a
transitions journal below the storage directory. A status server exposes the
live playlist, engine status, continuity report and manual rotation.`,
	RunE: runRecord,
}

var recordFlagKeys = map[string]string{
	"target":            "recorder.target_duration",
	"overlap":           "recorder.overlap_window",
	"strategy":          "recorder.strategy",
	"duration":          "recorder.duration",
	"fps":               "recorder.frame_rate",
	"keyframe-interval": "recorder.keyframe_interval",
	"audio":             "recorder.audio",
	"realtime":          "recorder.realtime",
	"dir":               "storage.dir",
	"listen-port":       "server.port",
	"serve":             "server.enabled",
}

func init() {
	f := recordCmd.Flags()
	f.Duration("target", 0, "target segment duration")
	f.Duration("overlap", 0, "overlap window at each cut")
	f.String("strategy", "", "slot strategy (dual, single)")
	f.Duration("duration", 0, "stop after this much stream time (0 = until interrupted)")
	f.Int("fps", 0, "video frame rate")
	f.Int("keyframe-interval", 0, "frames between keyframes")
	f.Bool("audio", true, "generate an audio track")
	f.Bool("realtime", true, "pace the source at stream speed")
	f.String("dir", "", "segment output directory")
	f.Int("listen-port", 0, "status server port")
	f.Bool("serve", true, "run the status server")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, recordFlagKeys)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	strategy, err := handoff.ParseStrategy(cfg.Recorder.Strategy)
	if err != nil {
		return err
	}

	gen, err := source.New(source.Config{
		FrameRate:        cfg.Recorder.FrameRate,
		KeyframeInterval: cfg.Recorder.KeyframeInterval,
		Audio:            cfg.Recorder.Audio,
		Duration:         cfg.Recorder.Duration,
		Realtime:         cfg.Recorder.Realtime,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := retention.OpenBoltStore(cfg.Storage.IndexFile())
	if err != nil {
		return err
	}
	defer store.Close()

	id := retention.RecordingID(ulid.Make().String())
	log = log.With(slog.String("recording", string(id)))
	svc := retention.NewService(retention.NewRepositoryWithStore(store), cfg.Storage.Dir, cfg.Storage.WindowSize, log)
	met := metrics.New()

	namer := svc.Namer(id)
	namer.OnRegistered = func(retention.Segment) { met.IncSegmentsRegistered() }

	vcfg := verifier.Config{QueueSize: cfg.Verifier.QueueSize, Logger: log.With(slog.String("component", "verifier"))}
	if cfg.Verifier.Ledger {
		closeSinks, err := openSinks(svc.Dir(id), &vcfg)
		if err != nil {
			return err
		}
		defer closeSinks()
	}
	ver := verifier.New(vcfg)
	ver.Start()

	eng, err := handoff.Open(handoff.Options{
		TargetDuration: cfg.Recorder.TargetDuration,
		OverlapWindow:  cfg.Recorder.OverlapWindow,
		Strategy:       strategy,
		Tracks:         gen.Tracks(),
		PrimaryTrack:   media.VideoTrack,
		Naming:         namer,
		Opener:         container.NewTSOpener(container.TSConfig{Logger: log}),
		Ledger:         ver,
		Logger:         log,
		Metrics:        met,
	})
	if err != nil {
		ver.Close()
		return err
	}

	log.Info("recording started",
		slog.String("dir", svc.Dir(id)),
		slog.Duration("target_duration", cfg.Recorder.TargetDuration),
		slog.Duration("overlap_window", cfg.Recorder.OverlapWindow),
		slog.String("strategy", strategy.String()))

	h := retention.NewHandler(svc, log, met)
	h.Attach(id, eng, ver)

	g, gctx := errgroup.WithContext(ctx)
	recorded := make(chan struct{})

	g.Go(func() error {
		defer close(recorded)
		return record(gctx, log, gen, eng)
	})
	g.Go(func() error {
		logEvents(log, eng.Events())
		return nil
	})

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              cfg.Server.Address(),
			Handler:           newRouter(log, met, h, svc, ver),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("status server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-recorded:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	h.Detach(id)

	if err := ver.Close(); err != nil {
		log.Error("verifier sink failed", slog.String("error", err.Error()))
	}
	if err := svc.EndRecording(id); err != nil {
		log.Error("end recording failed", slog.String("error", err.Error()))
	}

	report := ver.Analyze()
	log.Info("recording finished",
		slog.Int("entries", report.Entries),
		slog.Int("transitions", report.Transitions),
		slog.Int("gaps", len(report.Gaps)),
		slog.Int("unexpected_duplicates", len(report.UnexpectedDuplicates)),
		slog.Duration("max_transition_duration", report.MaxTransitionDuration),
		slog.Uint64("dropped_entries", report.DroppedEntries),
		slog.Bool("ok", report.OK()))

	if runErr != nil {
		return runErr
	}
	if !report.OK() {
		return errors.New("continuity check failed")
	}
	return nil
}

// record pumps the source into the engine until the source ends or ctx is
// canceled, then closes the engine.
func record(ctx context.Context, log *slog.Logger, gen *source.Generator, eng *handoff.Engine) error {
	err := gen.Run(ctx, func(au media.AccessUnit) error {
		_, err := eng.Submit(au)
		if err == nil {
			return nil
		}
		if errors.Is(err, handoff.ErrEngineClosed) {
			return err
		}
		// The unit is lost but recording continues; the ledger shows the gap.
		log.Error("submit failed",
			slog.String("track", au.Track.String()),
			slog.Uint64("seq", au.Seq),
			slog.String("error", err.Error()))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, eng.Close())
}

func logEvents(log *slog.Logger, events <-chan handoff.Event) {
	for ev := range events {
		switch ev.Kind {
		case handoff.EventTransition:
			log.Debug("transition event",
				slog.Uint64("from", uint64(ev.Transition.FromSegment)),
				slog.Uint64("to", uint64(ev.Transition.ToSegment)),
				slog.String("reason", string(ev.Transition.Reason)))
		case handoff.EventStatus:
			log.Debug("status",
				slog.String("phase", string(ev.Phase)),
				slog.Uint64("segment", uint64(ev.CurrentSegment)),
				slog.Uint64("segments", uint64(ev.SegmentCount)))
		}
	}
}

// openSinks creates the ledger and transitions files of a recording.
func openSinks(dir string, vcfg *verifier.Config) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	ledger, err := os.Create(filepath.Join(dir, ledgerFileName))
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	journal, err := os.Create(filepath.Join(dir, transitionsFileName))
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("create transitions journal: %w", err)
	}

	vcfg.Ledger = verifier.NewLedgerWriter(ledger)
	vcfg.Journal = verifier.NewTransitionJournal(journal)
	return func() {
		ledger.Close()
		journal.Close()
	}, nil
}

func newRouter(log *slog.Logger, met *metrics.Metrics, h *retention.Handler, svc *retention.Service, ver *verifier.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	r.Get("/metrics", met.Handler(func() {
		met.SetActiveRecordings(svc.ActiveRecordingCount())
		met.SetVerifier(ver.Dropped(), ver.Backlog())
	}).ServeHTTP)
	h.Routes(r)
	return r
}
