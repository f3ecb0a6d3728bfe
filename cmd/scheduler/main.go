// The scheduler service drains the download queue: it launches executor
// subprocesses for ready tasks, streams their progress over SSE, and delivers
// notifications when tasks finish.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/applemusic"
	"github.com/lyjw131/amdl/internal/archive"
	"github.com/lyjw131/amdl/internal/executor"
	"github.com/lyjw131/amdl/internal/notify"
	"github.com/lyjw131/amdl/internal/queue"
	"github.com/lyjw131/amdl/internal/scheduler"
	"github.com/lyjw131/amdl/internal/sse"
	"github.com/lyjw131/amdl/internal/token"
	"github.com/lyjw131/amdl/internal/users"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("Failed to create data directories", "error", err)
		os.Exit(1)
	}

	if _, err := os.Stat(cfg.Executor.BinaryPath); err != nil {
		slog.Error("Downloader binary not found", "path", cfg.Executor.BinaryPath, "error", err)
		os.Exit(1)
	}

	dir := users.NewDirectory(cfg.Paths.Users)
	if _, err := dir.Load(); err != nil {
		slog.Error("Failed to load users file", "path", cfg.Paths.Users, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := token.NewManager(cfg.Token, cfg.Paths.TokenFile, cfg.API.UserAgent)
	if err != nil {
		slog.Error("Failed to initialize token manager", "error", err)
		os.Exit(1)
	}
	go tokens.Run(ctx)

	store := queue.NewStore(cfg.Paths.TaskQueue)

	bus := sse.NewBus(cfg.SSE.MaxConnections)
	sseRouter := gin.Default()
	bus.RegisterRoutes(sseRouter)
	go func() {
		slog.Info("Starting SSE server", "port", cfg.SSE.Port)
		if err := sseRouter.Run(":" + cfg.SSE.Port); err != nil {
			slog.Error("SSE server failed", "error", err)
			os.Exit(1)
		}
	}()

	notifier := notify.New(cfg.SMTP, cfg.Bark, dir)

	var mirror archive.Mirror
	if cfg.Archive.GCSBucket != "" {
		gcs, err := archive.NewGCSMirror(ctx, cfg.Archive.GCSBucket, cfg.Archive.GCSPrefix, "")
		if err != nil {
			slog.Warn("Cloud mirror unavailable, archiving locally only", "error", err)
		} else {
			defer gcs.Close()
			mirror = gcs
		}
	}
	arc := archive.New(cfg.Paths.Errors, mirror)

	source := executor.NewSourceRenderer(cfg.Paths.Source)
	exec := executor.New(cfg.Executor, store, bus, tokens, source, notifier.TaskCompleted)
	exec.SetInteractive(stdoutIsTerminal())

	client := applemusic.NewClient(cfg.API, tokens)

	// Orphan re-resolution wakes the loop once metadata lands again.
	var loop *scheduler.Loop
	resolver := applemusic.NewResolver(client, store, func() {
		if loop != nil {
			loop.Wake()
		}
	})
	loop = scheduler.New(cfg.Scheduler, store, exec, notifier, arc, resolver.Resolve)

	slog.Info("Starting scheduler", "max_parallel_tasks", cfg.Scheduler.MaxParallelTasks)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Scheduler failed", "error", err)
		os.Exit(1)
	}
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func setupLogging(cfg *config.Config) {
	var out io.Writer = os.Stdout
	if cfg.Paths.Logs != "" {
		f, err := os.OpenFile(cfg.Paths.Logs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			slog.Warn("Failed to open log file, logging to stdout only", "path", cfg.Paths.Logs, "error", err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
}
