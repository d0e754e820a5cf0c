package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiyuelian/caijibot/app/api"
	"github.com/qiyuelian/caijibot/app/cfg"
	"github.com/qiyuelian/caijibot/app/channels"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/dedup"
	"github.com/qiyuelian/caijibot/app/download"
	"github.com/qiyuelian/caijibot/app/organizer"
	"github.com/qiyuelian/caijibot/app/tasks"
	"github.com/qiyuelian/caijibot/app/telegram"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if c == nil {
		// Help was shown, exit gracefully
		return
	}

	logLevel := slog.LevelInfo
	if c.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting caijibot", "version", cfg.GetVersion())

	for _, dir := range []string{c.DownloadDir, c.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create storage directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", c.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "path", c.DBPath, "schema_version", version, "dirty", dirty)

	configCache := channels.NewConfigCache(c.ChannelsDir)
	if err := configCache.Run(); err != nil {
		slog.Error("Failed to load channel configurations", "dir", c.ChannelsDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Channel configurations loaded", "count", configCache.GetConfigCount())

	channelRepo := database.NewChannelRepository(db)
	itemRepo := database.NewItemRepository(db)
	edgeRepo := database.NewEdgeRepository(db)

	// No platform transport ships with the core; deployments substitute a
	// concrete client here.
	client := telegram.Client(telegram.NewDisabledClient())

	orchestrator := dedup.NewOrchestrator(itemRepo, edgeRepo, nil)
	fileOrganizer := organizer.NewFileOrganizer(c.DownloadDir)
	downloads := download.NewManager(client, itemRepo, channelRepo, fileOrganizer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	downloads.Start(ctx)
	defer downloads.Stop()

	scheduler := tasks.NewScheduler(configCache, client, channelRepo, itemRepo, orchestrator, downloads)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(configCache, channelRepo, itemRepo, orchestrator, downloads, scheduler)
	server := api.NewServer(handler, c.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
