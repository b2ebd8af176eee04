// Package app assembles the ingestion stack shared by the api, worker and
// ingestctl binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
	"github.com/suPer8Hu/csv-ingest/internal/loader"
	"github.com/suPer8Hu/csv-ingest/internal/notify"
	"github.com/suPer8Hu/csv-ingest/internal/source"
	"github.com/suPer8Hu/csv-ingest/internal/store/rabbitmq"
	"github.com/suPer8Hu/csv-ingest/internal/store/redisstore"
	"gorm.io/gorm"
)

// NewLocker returns the per-table lock backend named by cfg.LockBackend.
func NewLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (ingest.Locker, func(), error) {
	switch cfg.LockBackend {
	case "", "local":
		return ingest.NewKeyedLocker(), func() {}, nil
	case "redis":
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL, logger)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rds.Ping(pctx); err != nil {
			_ = rds.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return rds, func() { _ = rds.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported LOCK_BACKEND=%q", cfg.LockBackend)
	}
}

// NewPipeline wires the default source registry, the gorm loader and the
// webhook notifier behind the configured lock backend.
func NewPipeline(ctx context.Context, cfg config.Config, gdb *gorm.DB, logger *slog.Logger) (*ingest.Pipeline, func(), error) {
	locker, closeLocker, err := NewLocker(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	reg := source.NewDefaultRegistry(source.Options{
		DriveBaseURL:  cfg.DriveBaseURL,
		SheetsBaseURL: cfg.SheetsBaseURL,
		TempDir:       cfg.TempDir,
	})
	ld := loader.New(gdb, cfg.InsertBatchSize)
	wh := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout, logger)

	p := ingest.NewPipeline(reg, ld, wh, locker, ingest.PipelineConfig{
		BatchSize:   cfg.BatchSize,
		SuccessText: cfg.NotifySuccessText,
		FailureText: cfg.NotifyFailureText,
	}, logger)
	return p, closeLocker, nil
}

// NewDispatcher returns nil for inline execution, or a RabbitMQ publisher.
func NewDispatcher(cfg config.Config) (ingest.Dispatcher, func(), error) {
	switch cfg.DispatchMode {
	case "", "inline":
		return nil, func() {}, nil
	case "rabbitmq":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbit publisher: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported DISPATCH_MODE=%q", cfg.DispatchMode)
	}
}
