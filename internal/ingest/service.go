package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/common"
	"github.com/suPer8Hu/csv-ingest/internal/loader"
	"github.com/suPer8Hu/csv-ingest/internal/source"
)

// Runner is satisfied by *Pipeline.
type Runner interface {
	Run(ctx context.Context, req Request) Outcome
}

// Dispatcher hands a persisted run to an out-of-process worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
}

type Service struct {
	repo       *Repo
	runner     Runner
	dispatcher Dispatcher
	logger     *slog.Logger

	// outcome writes are retried this many times, markBackoff apart
	markAttempts int
	markBackoff  time.Duration

	wg sync.WaitGroup
}

// NewService builds the run service. With a nil dispatcher every submitted
// run executes on its own goroutine in this process.
func NewService(repo *Repo, runner Runner, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		runner:       runner,
		dispatcher:   dispatcher,
		logger:       logger,
		markAttempts: 3,
		markBackoff:  500 * time.Millisecond,
	}
}

// Submit records a queued run and schedules it. It returns as soon as the
// run is accepted; the outcome is reported through the notifier.
func (s *Service) Submit(ctx context.Context, req Request, checksum string) (*Run, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, fmt.Errorf("%w: chat id required", ErrInvalidRequest)
	}
	if loader.SanitizeTableName(req.ChatID) == (Run{}).TableName() {
		return nil, fmt.Errorf("%w: chat id %q maps to a reserved table", ErrInvalidRequest, req.ChatID)
	}
	if err := req.Source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.BatchSize < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, source.ErrInvalidBatchSize)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:         id,
		ChatID:     req.ChatID,
		SourceKind: req.Source.Kind,
		SourceRef:  req.Source.Ref,
		BatchSize:  req.BatchSize,
		Status:     RunQueued,
	}
	if checksum != "" {
		run.Checksum = &checksum
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if s.dispatcher == nil {
		s.goExecute(ctx, run.ID)
		return run, nil
	}
	if err := s.dispatcher.Dispatch(ctx, run.ID); err != nil {
		_ = s.repo.MarkRunFailed(context.WithoutCancel(ctx), run.ID, 0, "", "enqueue failed: "+err.Error())
		return nil, fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}
	return run, nil
}

// goExecute runs detached from the caller's cancellation: runs are not
// cancellable once accepted.
func (s *Service) goExecute(ctx context.Context, runID string) {
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Execute(bg, runID); err != nil {
			s.logger.Debug("background run finished with error", "run_id", runID, "error", err)
		}
	}()
}

// Execute claims a queued run, drives the pipeline and stores the outcome.
// A run that is no longer queued is skipped. If the run cannot be started
// after the claim it is put back to queued so a later delivery can retry it.
func (s *Service) Execute(ctx context.Context, runID string) error {
	l := s.logger.With(slog.String("run_id", runID))

	claimed, err := s.repo.ClaimRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !claimed {
		l.Warn("run is not queued, skipping")
		return nil
	}

	run, err := s.repo.GetRunByID(ctx, runID)
	if err != nil {
		if rerr := s.repo.RequeueRun(context.WithoutCancel(ctx), runID); rerr != nil {
			l.Error("requeue run failed", "error", rerr)
		}
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	out := s.runner.Run(ctx, run.Request())

	if err := s.recordOutcome(ctx, runID, out); err != nil {
		l.Error("record outcome failed", "success", out.Success, "error", err)
		return fmt.Errorf("%w: run %s: %v", ErrOutcomeNotRecorded, runID, err)
	}
	return out.Err
}

func (s *Service) recordOutcome(ctx context.Context, runID string, out Outcome) error {
	var err error
	for i := 0; i < s.markAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(s.markBackoff):
			}
		}
		if out.Success {
			err = s.repo.MarkRunSucceeded(ctx, runID, out.TotalRows, out.TableName)
		} else {
			err = s.repo.MarkRunFailed(ctx, runID, out.TotalRows, out.TableName, out.ErrorDetail())
		}
		if err == nil {
			return nil
		}
	}
	return err
}

func (s *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.repo.GetRunByID(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, chatID string, limit int) ([]Run, error) {
	return s.repo.ListRunsByChat(ctx, chatID, limit)
}

// Wait blocks until in-process runs finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
