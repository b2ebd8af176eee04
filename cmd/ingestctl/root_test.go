package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/suPer8Hu/csv-ingest/internal/ingest"
)

func TestSanitizeCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"sanitize", "123 Main!", "Team-7"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != "usuario_123_main_\nteam_7\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunCmd_RequiresOneSource(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--chat-id", "c"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error without a source flag")
	}

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--chat-id", "c", "--drive", "a", "--sheet", "b"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error with two source flags")
	}
}

func TestRunCmd_LocalFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_DSN", "sqlite:"+filepath.Join(dir, "ingest.db"))
	t.Setenv("TEMP_DIR", dir)
	t.Setenv("LOCK_BACKEND", "local")
	t.Setenv("WEBHOOK_URL", "")

	in := filepath.Join(dir, "input.csv")
	if err := os.WriteFile(in, []byte(strings.Join([]string{"city,pop", "Lima,10", "Quito,3"}, "\n")), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--file", in, "--chat-id", "geo"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var run ingest.Run
	if err := json.Unmarshal(out.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v (%s)", err, out.String())
	}
	if run.Status != ingest.RunSucceeded || run.TotalRows != 2 || run.Target != "geo" {
		t.Fatalf("unexpected run %+v", run)
	}
	if _, err := os.Stat(in); err != nil {
		t.Fatalf("expected the original file to be kept: %v", err)
	}
	if _, err := os.Stat(run.SourceRef); !os.IsNotExist(err) {
		t.Fatalf("expected staged copy removed, got %v", err)
	}
}

func TestSanitizeCmd_NeedsArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sanitize"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error without arguments")
	}
}
