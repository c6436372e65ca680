package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/stepdeck/internal/api"
	"github.com/dgnsrekt/stepdeck/internal/browser"
	"github.com/dgnsrekt/stepdeck/internal/cdpgateway"
	"github.com/dgnsrekt/stepdeck/internal/config"
	"github.com/dgnsrekt/stepdeck/internal/controller"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/journal"
	"github.com/dgnsrekt/stepdeck/internal/netutil"
	"github.com/dgnsrekt/stepdeck/internal/notify"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/recordings"
	"github.com/dgnsrekt/stepdeck/internal/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load stepdeck config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("stepdeck config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"step_timeout", cfg.StepTimeout,
		"poll_interval", cfg.PollInterval,
		"submit_mode", cfg.SubmitMode,
		"session_ttl", cfg.SessionTTL,
		"recordings_dir", cfg.RecordingsDir,
		"archive_screenshots", cfg.ArchiveScreenshots,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	vp := cfg.Profile.SessionViewport()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
			Width:      vp.Width,
			Height:     vp.Height,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	store, err := recordings.NewStore(cfg.RecordingsDir)
	if err != nil {
		slog.Error("failed to open recordings store", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}

	client := cdpgateway.NewClient(cfg.CDPURL(), store, cfg.StepTimeout, cfg.SessionTTL)
	if err := client.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	var snaps *snapshot.Store
	if cfg.ArchiveScreenshots {
		snaps, err = snapshot.NewStore(cfg.SnapshotDir)
		if err != nil {
			slog.Error("failed to open snapshot store", "dir", cfg.SnapshotDir, "error", err)
			os.Exit(1)
		}
	}

	bus := events.NewBus()

	jw := journal.NewWriter(cfg.JournalDir, "events", 1024, cfg.JournalMaxSizeMB)
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		journal.Follow(journalCtx, bus, jw)
	}()

	notifier := notify.New(cfg.NTFYEndpoint, &http.Client{Timeout: 10 * time.Second}, time.Minute, 3)
	if notifier.Enabled() {
		slog.Info("session notices enabled", "endpoint", cfg.NTFYEndpoint)
	}

	svc := controller.NewService(client, bus, controller.Options{
		Viewport:     vp,
		SubmitMode:   recorder.ParseMode(cfg.SubmitMode),
		PollInterval: cfg.PollInterval,
		FetchTimeout: cfg.StepTimeout,
		Snapshots:    snaps,
		Notifier:     notifier,
	})

	if cfg.Profile != nil && cfg.Profile.StartURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StepTimeout)
		st, err := svc.CreateSession(ctx, cfg.Profile.StartURL, vp)
		cancel()
		if err != nil {
			slog.Warn("profile start session failed", "start_url", cfg.Profile.StartURL, "error", err)
		} else {
			slog.Info("profile session started", "session_id", st.SessionID, "start_url", cfg.Profile.StartURL)
		}
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc)}

	go func() {
		slog.Info("stepdeck listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("stepdeck server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("stepdeck shutdown failed", "error", err)
	}
	svc.Close()
	stopJournal()
	<-journalDone
	if err := jw.Close(); err != nil {
		slog.Warn("journal close failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
