package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/csv-ingest/internal/source"
	"gorm.io/gorm"
)

var errBoom = errors.New("boom")

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Run{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func rowsBatch(from, n int) source.Batch {
	b := source.Batch{
		Columns: []string{"ID", "Value"},
		Types:   []source.ColumnType{source.TypeInt, source.TypeString},
	}
	for i := from; i < from+n; i++ {
		b.Rows = append(b.Rows, []any{int64(i), fmt.Sprintf("v%d", i)})
	}
	return b
}

// sliceBatches yields batches in order, then fails with err if set.
type sliceBatches struct {
	batches []source.Batch
	err     error
	i       int
	cur     source.Batch
	failed  error
	closed  int
}

func (s *sliceBatches) Next() bool {
	if s.i >= len(s.batches) {
		s.failed = s.err
		return false
	}
	s.cur = s.batches[s.i]
	s.i++
	return true
}

func (s *sliceBatches) Batch() source.Batch { return s.cur }
func (s *sliceBatches) Err() error          { return s.failed }
func (s *sliceBatches) Close() error {
	s.closed++
	return nil
}

type fakeFetcher struct {
	it    *sliceBatches
	err   error
	calls int
	sizes []int
}

func (f *fakeFetcher) Fetch(ctx context.Context, d source.Descriptor, batchSize int) (source.Batches, error) {
	f.calls++
	f.sizes = append(f.sizes, batchSize)
	if f.err != nil {
		return nil, f.err
	}
	return f.it, nil
}

type loadCall struct {
	rows  int
	first bool
}

type recordingLoader struct {
	calls  []loadCall
	failAt int // 1-based batch number, 0 = never
}

func (l *recordingLoader) Load(ctx context.Context, b source.Batch, chatID string, first bool) (string, error) {
	l.calls = append(l.calls, loadCall{rows: b.Len(), first: first})
	if l.failAt > 0 && len(l.calls) == l.failAt {
		return "", errBoom
	}
	return "tbl_" + chatID, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (n *recordingNotifier) Notify(ctx context.Context, chatID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats = append(n.chats, chatID)
	n.texts = append(n.texts, text)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

const (
	okText   = "ok!"
	failText = "failed!"
)

func testConfig() PipelineConfig {
	return PipelineConfig{BatchSize: 50_000, SuccessText: okText, FailureText: failText}
}
