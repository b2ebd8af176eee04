package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/csv-ingest/internal/app"
	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/db"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
	"github.com/suPer8Hu/csv-ingest/internal/logging"
	"github.com/suPer8Hu/csv-ingest/internal/store/rabbitmq"
)

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

	// the worker only executes; nothing is submitted from here
	svc := ingest.NewService(repo, pipeline, nil, logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	// separate channel for parking retries
	retries, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer retries.Close()

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	logger.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			l := logger.With("worker", workerID)
			for d := range jobs {
				runID, err := rabbitmq.DecodeRun(d.Body)
				if err != nil || runID == "" {
					l.Warn("bad message", "error", err)
					_ = d.Nack(false, false)
					continue
				}

				// runs are not cancelled mid-flight; shutdown waits for them
				rctx := context.WithoutCancel(ctx)
				attempt := rabbitmq.Attempt(d.Headers)
				status, err := handleRun(rctx, svc, runID)
				v := decide(err, status, attempt)
				l.Info("run handled", "run_id", runID, "status", status, "attempt", attempt, "verdict", v, "error", err)

				switch v {
				case deadLetter:
					_ = d.Nack(false, false)
					continue
				case retry:
					if err := retries.Retry(rctx, runID, attempt+1, retryDelay(attempt)); err != nil {
						l.Error("retry publish failed", "run_id", runID, "error", err)
						_ = d.Nack(false, false)
						continue
					}
				}
				if err := d.Ack(false); err != nil {
					l.Error("ack failed", "run_id", runID, "error", err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				os.Exit(1)
			}
			jobs <- d
		}
	}
}

// handleRun executes the run and reads back its stored status; the status
// is empty when it cannot be read.
func handleRun(ctx context.Context, svc *ingest.Service, runID string) (ingest.RunStatus, error) {
	start := time.Now()
	err := svc.Execute(ctx, runID)
	run, gerr := svc.GetRun(ctx, runID)
	if gerr != nil {
		slog.Warn("read run status failed", "run_id", runID, "cost", time.Since(start), "error", gerr)
		return "", err
	}
	return run.Status, err
}
