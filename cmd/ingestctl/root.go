package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/csv-ingest/internal/app"
	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/db"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
	"github.com/suPer8Hu/csv-ingest/internal/loader"
	"github.com/suPer8Hu/csv-ingest/internal/logging"
	"github.com/suPer8Hu/csv-ingest/internal/source"
)

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ingestctl",
		Short:        "Run and inspect CSV ingestion runs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newRunCmd(), newStatusCmd(), newSanitizeCmd())
	return root
}

type runOpts struct {
	drive     string
	sheet     string
	file      string
	chatID    string
	batchSize int
}

func newRunCmd() *cobra.Command {
	var o runOpts
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest one source synchronously and print the run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := o.descriptor()
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cmd.OutOrStdout(), d, o.chatID, o.batchSize)
		},
	}
	cmd.Flags().StringVar(&o.drive, "drive", "", "Google Drive file id")
	cmd.Flags().StringVar(&o.sheet, "sheet", "", "Google spreadsheet id")
	cmd.Flags().StringVar(&o.file, "file", "", "local CSV path (copied, the original is kept)")
	cmd.Flags().StringVar(&o.chatID, "chat-id", "", "chat id naming the target table")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "rows per batch (default BATCH_SIZE)")
	cmd.MarkFlagsMutuallyExclusive("drive", "sheet", "file")
	cmd.MarkFlagsOneRequired("drive", "sheet", "file")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func (o runOpts) descriptor() (source.Descriptor, error) {
	switch {
	case o.drive != "":
		return source.Drive(o.drive), nil
	case o.sheet != "":
		return source.Spreadsheet(o.sheet), nil
	case o.file != "":
		return source.Upload(o.file), nil
	}
	return source.Descriptor{}, errors.New("one of --drive, --sheet or --file is required")
}

// syncDispatch leaves the queued run for the caller to Execute.
type syncDispatch struct{}

func (syncDispatch) Dispatch(ctx context.Context, runID string) error { return nil }

func loadEnv() (config.Config, *slog.Logger) {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger
}

func runOnce(ctx context.Context, out io.Writer, d source.Descriptor, chatID string, batchSize int) error {
	cfg, logger := loadEnv()

	if d.Kind == source.KindUpload {
		staged, err := stageCopy(d.Ref, cfg.TempDir)
		if err != nil {
			return err
		}
		d = source.Upload(staged)
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	repo := ingest.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	pipeline, closeLocker, err := app.NewPipeline(ctx, cfg, gdb, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	svc := ingest.NewService(repo, pipeline, syncDispatch{}, logger)
	run, err := svc.Submit(ctx, ingest.Request{Source: d, ChatID: chatID, BatchSize: batchSize}, "")
	if err != nil {
		if d.Kind == source.KindUpload {
			_ = os.Remove(d.Ref)
		}
		return err
	}
	execErr := svc.Execute(ctx, run.ID)

	final, err := svc.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := printJSON(out, final); err != nil {
		return err
	}
	return execErr
}

// stageCopy copies path into dir so the upload source can consume and
// delete the copy.
func stageCopy(path, dir string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(dir, "ingestctl-*.csv")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("copy %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Print a stored run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadEnv()
			gdb, err := db.Open(cfg.DBDSN)
			if err != nil {
				return err
			}
			run, err := ingest.NewRepo(gdb).GetRunByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newSanitizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize CHAT_ID...",
		Short: "Print the table name each chat id maps to",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, a := range args {
				fmt.Fprintln(cmd.OutOrStdout(), loader.SanitizeTableName(a))
			}
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
