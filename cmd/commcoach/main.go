package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/api"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/config"
	"github.com/snarg/commcoach/internal/database"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/maintenance"
	"github.com/snarg/commcoach/internal/metrics"
	"github.com/snarg/commcoach/internal/mqttclient"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

var version = "dev"

const (
	mediaPath        = "/api/v1/media/"
	eventRingSize    = 512
	provisionTimeout = 30 * time.Second
	authTimeout      = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.ClipDir, "clip-dir", "", "local clip directory (overrides CLIP_DIR)")
	flag.StringVar(&overrides.STTProvider, "stt-provider", "", "speech-to-text provider (overrides STT_PROVIDER)")
	flag.Parse()

	if *showVersion {
		fmt.Println("commcoach", version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("commcoach starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: PostgreSQL when configured, otherwise in memory
	var (
		db          *database.DB
		pool        *pgxpool.Pool
		codes       auth.CodeStore          = auth.NewMemoryCodeStore()
		sessions    auth.SessionStore       = auth.NewMemorySessionStore()
		memRequests                         = transcribe.NewMemoryStore()
		requests    transcribe.RequestStore = memRequests
		archive     session.Archive
	)
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		pool = db.Pool
		codes, sessions, requests, archive = db, db, db.Transcripts(), db
	} else {
		log.Warn().Msg("DATABASE_URL not set; sessions and history are kept in memory")
	}

	// Transcription
	provider, err := transcribe.NewProvider(transcribe.ProviderOptions{
		Name:       cfg.STT.Provider,
		Model:      cfg.STT.Model,
		APIKey:     cfg.STT.APIKey,
		WhisperURL: cfg.STT.WhisperURL,
		Timeout:    cfg.STT.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure transcription provider")
	}
	sttOpts := transcribe.TranscribeOpts{Language: cfg.STT.Language}
	sttLog := log.With().Str("component", "transcribe").Logger()

	var (
		transport transcribe.Transport
		queue     *transcribe.QueueTransport
	)
	if cfg.Transcribe.Mode == "queue" {
		wp := transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
			Provider:  provider,
			Store:     requests,
			Timeout:   cfg.STT.Timeout,
			Opts:      sttOpts,
			Workers:   cfg.Transcribe.Workers,
			QueueSize: cfg.Transcribe.QueueSize,
			Log:       sttLog,
		})
		wp.Start()
		defer wp.Stop()
		queue = transcribe.NewQueueTransport(wp, requests, sttLog)
		transport = queue
	} else {
		transport = transcribe.NewSyncTransport(provider, requests, sttOpts, sttLog)
	}
	log.Info().
		Str("provider", provider.Name()).
		Str("model", provider.Model()).
		Str("mode", cfg.Transcribe.Mode).
		Msg("transcription configured")

	// Clip storage. A failed provision leaves capture and upload disabled
	// until POST /api/v1/storage/provision succeeds.
	storeLog := log.With().Str("component", "storage").Logger()
	clips, err := storage.New(cfg.S3, cfg.ClipDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure clip storage")
	}
	provisioner := storage.NewProvisioner(clips, storeLog)
	pctx, pcancel := context.WithTimeout(ctx, provisionTimeout)
	if err := provisioner.Provision(pctx); err != nil {
		log.Warn().Err(err).Msg("clip storage not ready; capture and upload are disabled until provisioned")
	}
	pcancel()

	// Events, optionally mirrored to MQTT
	bus := events.NewBus(eventRingSize)
	var mqtt *mqttclient.Client
	if cfg.MQTT.Enabled() {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		bus.AddSink(mqtt.Mirror)
	}

	// Sessions
	mgr := session.NewManager(session.ManagerOptions{
		Sessions: sessions,
		TTL:      cfg.Auth.SessionTTL,
		Capture: capture.Options{
			Limit:        cfg.CaptureLimit,
			Timeslice:    cfg.CaptureTimeslice,
			TickInterval: time.Second,
			MaxBytes:     cfg.MaxUploadBytes(),
		},
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Transport:      transport,
		PollInterval:   cfg.Transcribe.PollInterval,
		PollTimeout:    cfg.Transcribe.PollTimeout,
		Clips:          clips,
		MediaPath:      mediaPath,
		Bus:            bus,
		Archive:        archive,
		Log:            log,
	})
	defer mgr.Close()

	// Sign-in
	authLog := log.With().Str("component", "auth").Logger()
	var otp auth.Provider
	if cfg.Auth.Provider == "gotrue" {
		otp = auth.NewGoTrueProvider(cfg.Auth.GoTrueURL, cfg.Auth.GoTrueAPIKey, authTimeout)
	} else {
		var mailer auth.Mailer = auth.LogMailer{Log: authLog}
		if cfg.SMTP.Enabled() {
			mailer = auth.NewSMTPMailer(auth.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			})
		} else {
			log.Warn().Msg("SMTP_HOST not set; passcodes are written to the log")
		}
		otp = auth.NewLocalProvider(auth.LocalOptions{
			Store:  codes,
			Mailer: mailer,
			TTL:    cfg.Auth.OTPTTL,
			Log:    authLog,
		})
	}

	// Metrics
	stats := liveStats{mgr: mgr, bus: bus, queue: queue}
	prometheus.MustRegister(metrics.NewCollector(pool, stats))

	// Maintenance
	pruner := storage.NewClipPruner(clips, cfg.ClipRetention, mgr.ClipInUse, storeLog)
	tasks := []maintenance.Task{
		maintenance.ExpiredCodes(codes),
		maintenance.ExpiredSessions(mgr),
		maintenance.IdleAnalyses(mgr, cfg.AnalysisIdleTTL),
		maintenance.StaleClips(pruner),
	}
	if db != nil {
		tasks = append(tasks, maintenance.History(db, cfg.ClipRetention))
	} else {
		tasks = append(tasks, maintenance.MemoryRequests(memRequests, cfg.ClipRetention))
	}
	sched, err := maintenance.New(maintenance.Options{
		Schedule: cfg.MaintenanceSchedule,
		Tasks:    tasks,
		Timeout:  time.Minute,
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure maintenance")
	}
	sched.Start(ctx)
	defer sched.Stop()

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	health := api.HealthOptions{
		DB:          db,
		MQTT:        mqtt,
		Provisioner: provisioner,
		Provider:    provider,
		Sessions:    mgr.ActiveSessions,
		Version:     version,
		StartTime:   startTime,
	}
	if queue != nil {
		health.Queue = queue
	}
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Auth:        otp,
		Sessions:    mgr,
		Clips:       clips,
		Provisioner: provisioner,
		Bus:         bus,
		Health:      health,
		Log:         httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("commcoach stopped")
}

// liveStats feeds the scrape-time gauges.
type liveStats struct {
	mgr   *session.Manager
	bus   *events.Bus
	queue *transcribe.QueueTransport
}

func (s liveStats) ActiveSessions() int     { return s.mgr.ActiveSessions() }
func (s liveStats) ActiveRecordings() int   { return s.mgr.ActiveRecordings() }
func (s liveStats) SSESubscriberCount() int { return s.bus.SubscriberCount() }

func (s liveStats) TranscriptionQueueDepth() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Stats().Pending
}
