// Command room-tender is the entrypoint for the recording service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the polling workers: queue promoter, token acquirer, capture
//     launcher, and audio finalizer.
//   - Starts the Telegram frontend when credentials are configured.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/room-tender/bot"
	"github.com/onnwee/room-tender/capture"
	"github.com/onnwee/room-tender/config"
	"github.com/onnwee/room-tender/db"
	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/record"
	"github.com/onnwee/room-tender/roomapi"
	"github.com/onnwee/room-tender/server"
	"github.com/onnwee/room-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("room-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := job.NewStore(database)
	upstream := &roomapi.Client{
		BaseURL:    cfg.UpstreamBaseURL,
		UserID:     cfg.UpstreamUserID,
		UserToken:  cfg.UpstreamToken,
		UserDevice: cfg.UpstreamDevice,
	}
	recorder := &capture.Recorder{
		Bin:         cfg.RecorderBin,
		AppID:       cfg.RecorderApp,
		AccountID:   cfg.UpstreamUserID,
		RecordsRoot: cfg.RecordsDir,
		IdleTimeout: cfg.CaptureIdle,
	}
	admission := job.AdmissionPolicy{UserQuota: cfg.UserQuota, GlobalQuota: cfg.GlobalQuota}

	// Notifier: real Telegram when configured, otherwise a logging stand-in so the
	// pipeline still runs end to end in development.
	var notifier notify.Notifier
	var tg *notify.Telegram
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Warn("telegram disabled", slog.Any("err", err))
		notifier = notify.Discard{}
	} else {
		tg, err = notify.NewTelegram(cfg.TelegramToken)
		if err != nil {
			slog.Error("telegram init failed", slog.Any("err", err))
			os.Exit(1)
		}
		notifier = tg
	}

	if err := cfg.ValidateUpstreamReady(); err != nil {
		slog.Warn("upstream credentials incomplete; joins will fail", slog.Any("err", err))
	}

	// Polling workers
	promoter := &record.QueuePromoter{
		Store: store, Upstream: upstream, Notifier: notifier, Admission: admission,
		Interval: cfg.PromoteInterval, Pacing: cfg.PromotePacing,
		LeadWindow: cfg.LeadWindow, GraceWindow: cfg.EventGraceWindow,
	}
	acquirer := &record.TokenAcquirer{
		Store: store, Upstream: upstream, Notifier: notifier,
		Interval: cfg.TokenInterval, Pacing: cfg.TokenPacing, LeaveDelay: cfg.LeaveDelay,
	}
	launcher := &record.CaptureLauncher{
		Store: store, Capture: recorder, Interval: cfg.LaunchInterval,
	}
	finalizer := &record.AudioFinalizer{
		Store: store, Capture: recorder, Transcoder: record.FFmpeg{}, Notifier: notifier,
		Interval: cfg.FinalizeInterval, SendPacing: cfg.SendPacing,
		SegmentThreshold: cfg.SegmentThreshold, SegmentDuration: cfg.SegmentDuration,
	}
	go promoter.Run(ctx)
	go acquirer.Run(ctx)
	go launcher.Run(ctx)
	go finalizer.Run(ctx)

	// Telegram frontend
	if tg != nil {
		frontend := &bot.Bot{
			API: tg.API, Store: store, Upstream: upstream, Capture: recorder,
			Admission: admission, Allowed: cfg.Whitelisted,
		}
		go frontend.Run(ctx)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/readiness/status/metrics)
	go func() {
		if err := server.Start(ctx, database, store, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
