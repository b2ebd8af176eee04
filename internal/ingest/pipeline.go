package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/loader"
	"github.com/suPer8Hu/csv-ingest/internal/source"
)

type Fetcher interface {
	Fetch(ctx context.Context, d source.Descriptor, batchSize int) (source.Batches, error)
}

type Loader interface {
	Load(ctx context.Context, batch source.Batch, chatID string, isFirstBatch bool) (string, error)
}

// Notifier delivers a status message. Implementations swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string)
}

// Locker hands out an exclusive hold on key until the returned func is
// called. The returned context is cancelled if the hold is lost early; its
// cause says why.
type Locker interface {
	Lock(ctx context.Context, key string) (context.Context, func(), error)
}

type PipelineConfig struct {
	BatchSize   int
	SuccessText string
	FailureText string
}

type Pipeline struct {
	fetcher  Fetcher
	loader   Loader
	notifier Notifier
	locker   Locker
	cfg      PipelineConfig
	logger   *slog.Logger
}

// NewPipeline wires the stages. locker may be nil to disable per-table
// serialization.
func NewPipeline(f Fetcher, l Loader, n Notifier, locker Locker, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50_000
	}
	if cfg.SuccessText == "" {
		cfg.SuccessText = "Your file was processed successfully!"
	}
	if cfg.FailureText == "" {
		cfg.FailureText = "An error occurred while processing your file."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{fetcher: f, loader: l, notifier: n, locker: locker, cfg: cfg, logger: logger}
}

// Run executes one ingestion end to end and sends exactly one notification.
// Batches are fetched and loaded strictly in order; the first one replaces
// the target table, the rest append. On the first error the run stops and
// already loaded batches stay in place.
func (p *Pipeline) Run(ctx context.Context, req Request) Outcome {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}
	table := loader.SanitizeTableName(req.ChatID)
	l := p.logger.With(
		slog.String("run_id", req.RunID),
		slog.String("chat_id", req.ChatID),
		slog.String("source", req.Source.String()),
		slog.String("table", table),
	)

	start := time.Now()
	out := p.run(ctx, req, batchSize, table, l)

	if out.Success {
		l.Info("run completed", "total_rows", out.TotalRows, "cost", time.Since(start))
		p.notifier.Notify(ctx, req.ChatID, p.cfg.SuccessText)
	} else {
		l.Error("run failed", "total_rows", out.TotalRows, "cost", time.Since(start), "error", out.Err)
		p.notifier.Notify(ctx, req.ChatID, p.cfg.FailureText)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, req Request, batchSize int, table string, l *slog.Logger) Outcome {
	out := Outcome{TableName: table}
	state := StateIdle
	moveTo := func(next State) {
		l.Debug("state change", "from", state, "to", next)
		state = next
	}
	fail := func(err error) Outcome {
		moveTo(StateFailed)
		out.Err = err
		return out
	}

	lctx := ctx
	if p.locker != nil {
		held, unlock, err := p.locker.Lock(ctx, table)
		if err != nil {
			return fail(fmt.Errorf("acquire lock on %s: %w", table, err))
		}
		defer unlock()
		lctx = held
	}
	lost := func() error {
		if lctx.Err() != nil {
			return fmt.Errorf("lock on %s: %w", table, context.Cause(lctx))
		}
		return nil
	}

	moveTo(StateFetching)
	it, err := p.fetcher.Fetch(lctx, req.Source, batchSize)
	if err != nil {
		if lerr := lost(); lerr != nil {
			err = fmt.Errorf("%w: %w", lerr, err)
		}
		return fail(&FetchError{Source: req.Source, Err: err})
	}
	// releases temp files before the caller notifies
	defer func() {
		if cerr := it.Close(); cerr != nil {
			l.Warn("release source failed", "error", cerr)
		}
	}()

	n := 0
	for it.Next() {
		batch := it.Batch()
		n++
		// stop writing once another run may own the table
		if err := lost(); err != nil {
			return fail(&LoadError{Table: table, Batch: n, Err: err})
		}
		moveTo(StateLoading)
		name, err := p.loader.Load(lctx, batch, req.ChatID, n == 1)
		if err != nil {
			if lerr := lost(); lerr != nil {
				err = fmt.Errorf("%w: %w", lerr, err)
			}
			return fail(&LoadError{Table: table, Batch: n, Err: err})
		}
		out.TableName = name
		out.TotalRows += int64(batch.Len())
		l.Info("batch loaded", "batch", n, "rows", batch.Len(), "total_rows", out.TotalRows)
		moveTo(StateFetching)
	}
	if err := it.Err(); err != nil {
		return fail(&FetchError{Source: req.Source, Err: err})
	}
	if n == 0 {
		l.Warn("source produced no rows, table left untouched")
	}

	moveTo(StateCompleted)
	out.Success = true
	return out
}
