package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vault/internal/server/api"
	"vault/internal/server/config"
	"vault/internal/server/database"
	"vault/internal/server/service"
	"vault/internal/server/session"
	"vault/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"max_file_size", cfg.MaxFileSize,
		"chunk_size", cfg.ChunkSize,
		"authenticated_read", cfg.AuthenticatedRead,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize blob storage
	store := storage.NewFileStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "path", cfg.StoragePath)

	// Repositories
	users := database.NewUserRepository(db)
	nodes := database.NewNodeRepository(db)
	blobs := database.NewBlobRepository(db)
	shares := database.NewShareRepository(db)

	// Services
	accounts := service.NewAccountService(users, nodes)
	tree := service.NewTreeService(nodes)
	links := service.NewLinkService(nodes, blobs, store)
	uploads := service.NewUploadService(nodes, blobs, links, store, cfg.ChunkSize)
	shareSvc := service.NewShareService(shares, blobs, tree, cfg.AuthenticatedRead)
	files := service.NewFileService(tree, links)

	// Sessions
	sessions := session.NewStore(cfg.SessionTTL)

	// Start janitor for abandoned uploads
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	janitor := storage.NewJanitor(blobs, nodes, store, cfg.SweepInterval, cfg.GracePeriod)
	janitor.Start(janitorCtx)

	// Setup HTTP router
	handler := api.NewHandler(accounts, tree, files, uploads, shareSvc, sessions, users, db)
	e := api.SetupRouter(handler, sessions, accounts, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop janitor
	janitorCancel()
	janitor.Wait()

	slog.Info("server exited cleanly")
}
