package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"note-sync-server/internal/config"
	"note-sync-server/internal/coordinator"
	"note-sync-server/internal/handler"
	"note-sync-server/internal/logging"
	"note-sync-server/internal/repository"
	"note-sync-server/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("failed to configure logging", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open note repository", "driver", cfg.Database.Driver, "err", err)
	}

	store, err := service.NewNoteService(ctx, repo, logger)
	if err != nil {
		logger.Fatal("failed to load notes", "err", err)
	}

	// The engine outlives the signal context so in-flight writes finish
	// during shutdown.
	coord := coordinator.New(cfg, store, logger)
	if err := coord.Start(context.Background()); err != nil {
		logger.Fatal("failed to start sync server", "err", err)
	}

	var srv *http.Server
	if cfg.Server.HTTPPort != 0 {
		srv = startHTTP(cfg, coord, store, logger, stop)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
	}
	if err := coord.Stop(); err != nil {
		logger.Error("sync server shutdown", "err", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}

func startHTTP(cfg *config.Config, coord *coordinator.Coordinator, store *service.NoteService, logger *log.Logger, stop context.CancelFunc) *http.Server {
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr(),
		Handler:      handler.NewRouter(cfg, coord, store, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting http server", "addr", srv.Addr, "env", cfg.Server.Env, "db", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()
	return srv
}
