package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/app"
	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/db"
	"github.com/suPer8Hu/csv-ingest/internal/httpapi"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
	"github.com/suPer8Hu/csv-ingest/internal/logging"
	"golang.org/x/sync/errgroup"
)

// in-flight inline runs get this long to finish on shutdown
const drainTimeout = 10 * time.Minute

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	gdb := db.Connect(cfg.DBDSN)

	repo := ingest.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, closeLocker, err := app.NewPipeline(ctx, cfg, gdb, logger)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	defer closeLocker()

	dispatcher, closeDispatcher, err := app.NewDispatcher(cfg)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}
	defer closeDispatcher()

	svc := ingest.NewService(repo, pipeline, dispatcher, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(svc, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "dispatch", cfg.DispatchMode, "lock", cfg.LockBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("api shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return svc.Wait(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}
