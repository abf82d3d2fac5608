// scribed is a daemon that watches a folder for audio recordings and turns
// each one into a speaker-attributed markdown transcript: split oversized
// files into overlapping segments, transcribe and diarize every segment,
// then merge the pieces back into one timeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/scribeworks/scribed/cmd/scribed/internal/api"
	"github.com/scribeworks/scribed/cmd/scribed/internal/asr"
	"github.com/scribeworks/scribed/cmd/scribed/internal/audio"
	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
	"github.com/scribeworks/scribed/cmd/scribed/internal/health"
	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
	"github.com/scribeworks/scribed/cmd/scribed/internal/store"
	"github.com/scribeworks/scribed/cmd/scribed/internal/transcript"
	"github.com/scribeworks/scribed/cmd/scribed/internal/watcher"
	"github.com/scribeworks/scribed/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Server.Env,
		WithSource:  !cfg.IsProduction(),
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	log = log.With("component", "scribed")
	log.Info("configuration loaded", "env", cfg.Server.Env,
		"watch_dir", cfg.Paths.WatchDir, "workers", cfg.Processing.Workers)

	db, err := store.Open(cfg.Paths.StateDB)
	if err != nil {
		log.Error("open state store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Speech service clients. Missing endpoints degrade to mocks so the
	// rest of the daemon stays operational.
	var transcriber pipeline.Transcriber
	var checkers []*health.Checker
	if cfg.ASR.Endpoint != "" {
		httpTranscriber := asr.NewHTTPTranscriber(cfg.ASR)
		transcriber = httpTranscriber
		checkers = append(checkers, health.NewChecker(httpTranscriber, cfg.ASR.HealthEvery, 3, log))
	} else {
		log.Warn("no transcription endpoint configured, running degraded")
		transcriber = asr.NewMockTranscriber()
	}
	var diarizer pipeline.Diarizer
	if cfg.Diarize.Enabled && cfg.Diarize.Endpoint != "" {
		httpDiarizer := asr.NewHTTPDiarizer(cfg.Diarize)
		diarizer = httpDiarizer
		checkers = append(checkers, health.NewChecker(httpDiarizer, cfg.Diarize.HealthEvery, 3, log))
	}

	prober := audio.NewProber(cfg.Audio, cfg.Split)
	extractor := audio.NewExtractor(cfg.Audio, cfg.Paths.TempDir)

	backoff := pipeline.BackoffPolicy{
		Base:        cfg.Processing.RetryBaseDelay,
		Max:         cfg.Processing.RetryMaxDelay,
		MaxAttempts: cfg.Processing.MaxCallAttempts,
	}
	splitter := pipeline.NewSplitter(cfg.Split, log)
	processor := pipeline.NewProcessor(extractor, transcriber, diarizer,
		backoff, cfg.Processing.MaxModelCalls, log)
	merger := pipeline.NewMerger(cfg.Merge)

	writer := transcript.NewWriter(cfg.Paths.TranscriptDir, cfg.Transcript.Tags, log)
	archiver := transcript.NewArchiver(cfg.Paths.ArchiveDir, cfg.Paths.FailedDir, log)
	output := transcript.NewOutput(writer, archiver)

	runner := pipeline.NewRunner(splitter, processor, merger, db,
		prober, prober, output, cfg.Processing.SegmentWorkers, log)
	sched := pipeline.NewScheduler(cfg.Processing, runner, db,
		pipeline.SizePriority(cfg.Processing.SizePriorityBoost), archiver, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := sched.RecoverInterrupted()
	if err != nil {
		log.Error("recover interrupted jobs", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		log.Info("recovered interrupted jobs", "count", recovered)
	}
	sched.Start(ctx)

	for _, checker := range checkers {
		go checker.Start(ctx)
	}

	// File discovery feeds the scheduler.
	discoveries := make(chan watcher.Discovery, 16)
	watch := watcher.New(cfg.Watcher, cfg.Paths.WatchDir, log)
	go func() {
		if err := watch.Run(ctx, discoveries); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("watcher stopped", "error", err)
		}
	}()
	go func() {
		for d := range discoveries {
			if cfg.Processing.MaxFileSizeBytes > 0 && d.SizeBytes > cfg.Processing.MaxFileSizeBytes {
				log.Warn("file exceeds size limit, skipping",
					"path", d.Path, "size_bytes", d.SizeBytes)
				continue
			}
			job := &pipeline.MediaJob{
				ID:         uuid.NewString(),
				SourcePath: d.Path,
				SizeBytes:  d.SizeBytes,
				FirstSeen:  time.Now(),
			}
			if err := sched.Submit(job); err != nil {
				log.Error("submit job", "path", d.Path, "error", err)
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.New(sched, checkers, cfg.IsProduction()).Handler(),
	}
	go func() {
		log.Info("status API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status API failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	cancel()
	sched.Stop()
	for _, checker := range checkers {
		checker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("status API shutdown", "error", err)
	}
	log.Info("scribed stopped")
}
