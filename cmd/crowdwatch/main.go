package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/config"
	"crowdwatch/internal/database"
	"crowdwatch/internal/detection"
	"crowdwatch/internal/logging"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/pipeline/detectors"
	"crowdwatch/internal/pipeline/strategies"
	"crowdwatch/internal/source"
	"crowdwatch/internal/stream"
	"crowdwatch/internal/telegram"
	"crowdwatch/internal/ws"
)

func main() {
	var (
		configF    = flag.String("config", "", "Path to a YAML configuration file")
		addrF      = flag.String("addr", "", "HTTP listen address (overrides http.addr)")
		logLevelF  = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormatF = flag.String("log-format", "", "Log format: console or json")
		deviceF    = flag.String("device", "", "Capture device, RTSP or HTTP URL (overrides capture.device)")
		backendF   = flag.String("detector", "", "Detector backend: grpc, http or static")
		endpointF  = flag.String("endpoint", "", "Detector endpoint")
		throttleF  = flag.Int("throttle", 0, "Run the detector on every Nth frame")
		thresholdF = flag.Int("threshold", -1, "Counts above this raise HIGH DENSITY")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crowdwatch: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "crowdwatch: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.HTTP.Addr = *addrF
		case "log-level":
			cfg.Log.Level = *logLevelF
		case "log-format":
			cfg.Log.Format = *logFormatF
		case "device":
			cfg.Capture.Device = *deviceF
		case "detector":
			cfg.Detector.Backend = *backendF
		case "endpoint":
			cfg.Detector.Endpoint = *endpointF
		case "throttle":
			cfg.Pipeline.Throttle = *throttleF
		case "threshold":
			cfg.Pipeline.AlertThreshold = *thresholdF
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "crowdwatch: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crowdwatch: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("crowdwatch failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	detector, err := buildDetector(cfg, logging.Component(logger, "detector"))
	if err != nil {
		return err
	}

	throttle, err := strategies.New(cfg.Pipeline.ThrottleMode, cfg.Pipeline.Throttle, cfg.Pipeline.MinInterval)
	if err != nil {
		detector.Close()
		return errors.Wrap(err, "throttle")
	}

	p, err := pipeline.New(cfg.PipelineConfig(), detector,
		pipeline.WithLogger(logging.Component(logger, "pipeline")),
		pipeline.WithThrottle(throttle),
	)
	if err != nil {
		detector.Close()
		return err
	}

	db, journal, err := openJournal(cfg.Journal.DSN, p, logging.Component(logger, "journal"))
	if err != nil {
		return err
	}
	defer db.Close()

	hub := ws.NewHub(logging.Component(logger, "ws"))
	broadcaster := stream.NewBroadcaster(logging.Component(logger, "stream"))
	m := metrics.New(p, hub, metrics.ClientCountFunc(broadcaster.Clients))

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		p.Shutdown(context.Background())
		return err
	}

	hubSnapshots, unsubHub := p.SubscribeSnapshots(16)
	hubChanges, unsubHubChanges := p.SubscribeFeatures(16)
	journalSnapshots, unsubJournal := p.SubscribeSnapshots(64)
	journalChanges, unsubJournalChanges := p.SubscribeFeatures(64)
	defer func() {
		unsubHub()
		unsubHubChanges()
		unsubJournal()
		unsubJournalChanges()
	}()

	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { hub.Run(ctx, p, hubChanges, hubSnapshots) })
	goRun(func() { journal.Run(ctx, journalSnapshots, journalChanges) })
	goRun(func() {
		stream.Run(ctx, p, broadcaster, cfg.Stream.FPS, cfg.Stream.Quality, logging.Component(logger, "stream"))
	})

	if cfg.Telegram.BotToken != "" {
		bot := telegram.NewBot(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
		})
		notifier := telegram.NewNotifier(bot, broadcaster.CurrentFrame, logging.Component(logger, "telegram"))
		notifySnapshots, unsubNotify := p.SubscribeSnapshots(16)
		defer unsubNotify()
		goRun(func() { notifier.Run(ctx, notifySnapshots) })
		logger.Info().Str("chat_id", cfg.Telegram.ChatID).Msg("Telegram alerts enabled")
	}

	if cfg.Journal.Retention > 0 {
		goRun(func() { pruneJournal(ctx, db, cfg.Journal.Retention, logging.Component(logger, "journal")) })
	}

	if cfg.Capture.Device != "" {
		src, err := source.Open(source.Config{
			Device: cfg.Capture.Device,
			FPS:    cfg.Capture.FPS,
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
		}, logging.Component(logger, "capture"))
		if err != nil {
			cancel()
			wg.Wait()
			p.Shutdown(context.Background())
			return errors.Wrap(err, "capture")
		}
		goRun(func() {
			defer src.Close()
			source.Run(ctx, src, p.SubmitImage, cfg.Capture.FPS, logging.Component(logger, "capture"))
		})
	} else {
		logger.Info().Msg("No capture device configured, waiting for pushed frames")
	}

	srv := &server{
		pipeline:    p,
		journal:     journal,
		hub:         hub,
		wsHandler:   ws.NewHandler(hub, p, logging.Component(logger, "ws")),
		broadcaster: broadcaster,
		metrics:     m,
		staticDir:   cfg.HTTP.StaticDir,
		streamFPS:   cfg.Stream.FPS,
		log:         logging.Component(logger, "http"),
	}
	handleHTTPServer(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout, srv, &wg, errc, logging.Component(logger, "http"))

	// Wait for signal.
	logger.Info().Str("reason", fmt.Sprint(<-errc)).Msg("Exiting")

	// Send cancellation signal to the goroutines.
	cancel()
	hub.CloseAll()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Pipeline did not stop cleanly")
	}

	logger.Info().Msg("Exited")
	return nil
}

// buildDetector creates the configured backend behind a circuit breaker
func buildDetector(cfg *config.Config, log zerolog.Logger) (pipeline.Detector, error) {
	var backend pipeline.Detector
	switch cfg.Detector.Backend {
	case "grpc":
		d, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
			Endpoint:      cfg.Detector.Endpoint,
			ConfThreshold: cfg.Detector.Confidence,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = d
	case "http":
		backend = detection.NewHTTPDetector(detection.HTTPDetectorConfig{
			Endpoint:      cfg.Detector.Endpoint,
			ConfThreshold: cfg.Detector.Confidence,
			Timeout:       cfg.Detector.Timeout,
		}, log)
	default:
		backend = detection.NewStaticDetector()
	}

	det := detectors.NewBreaker(backend, cfg.Detector.BreakerFailures, cfg.Detector.BreakerCooldown, log)
	if !det.IsHealthy() {
		log.Warn().Str("detector", det.Name()).Str("endpoint", cfg.Detector.Endpoint).
			Msg("Detector not healthy yet, last result will be kept until it recovers")
	}
	log.Info().Str("detector", det.Name()).Msg("Detector selected")
	return det, nil
}

// openJournal opens and migrates the journal database. On failure the
// pipeline is shut down so the detector connection is released.
func openJournal(dsn string, p *pipeline.Pipeline, log zerolog.Logger) (*database.Database, *database.Journal, error) {
	db, err := database.New(dsn)
	if err == nil {
		if err = db.Migrate(); err != nil {
			db.Close()
		}
	}
	if err != nil {
		if serr := p.Shutdown(context.Background()); serr != nil {
			log.Warn().Err(serr).Msg("Pipeline did not stop cleanly")
		}
		return nil, nil, errors.Wrap(err, "journal")
	}
	return db, database.NewJournal(db, log), nil
}

// pruneJournal drops alert events older than retention once an hour
func pruneJournal(ctx context.Context, db *database.Database, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.DeleteOldAlertEvents(time.Now().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune alert events")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("Pruned alert events")
			}
		}
	}
}
