// The ingest service accepts download submissions, resolves Apple Music
// metadata, serves the queue and token endpoints, and proxies catalog search.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/applemusic"
	"github.com/lyjw131/amdl/internal/cache"
	"github.com/lyjw131/amdl/internal/queue"
	"github.com/lyjw131/amdl/internal/scheduler"
	"github.com/lyjw131/amdl/internal/server"
	"github.com/lyjw131/amdl/internal/token"
	"github.com/lyjw131/amdl/internal/users"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; config values and real environment take precedence.
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

	dir := users.NewDirectory(cfg.Paths.Users)
	if _, err := dir.Load(); err != nil {
		slog.Error("Failed to load users file", "path", cfg.Paths.Users, "error", err)
		os.Exit(1)
	}

	searchCache := cache.New(cfg.Paths.CacheDir, cfg.SearchCache)
	if cfg.SearchCache.ClearOnStartup {
		if err := searchCache.Purge(); err != nil {
			slog.Warn("Failed to purge search cache", "error", err)
		}
	}

	tokens, err := token.NewManager(cfg.Token, cfg.Paths.TokenFile, cfg.API.UserAgent)
	if err != nil {
		slog.Error("Failed to initialize token manager", "error", err)
		os.Exit(1)
	}
	go tokens.Run(context.Background())

	store := queue.NewStore(cfg.Paths.TaskQueue)
	client := applemusic.NewClient(cfg.API, tokens)
	resolver := applemusic.NewResolver(client, store, func() {
		scheduler.SendWake(cfg.Scheduler.SignalPort)
	})

	srv := server.New(cfg, store, dir, tokens, resolver, searchCache)

	slog.Info("Starting ingest server", "port", cfg.Server.Port)
	if err := srv.Start(cfg.Server.Port); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
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
