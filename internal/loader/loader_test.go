package loader

import (
	"context"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/csv-ingest/internal/source"
	"gorm.io/gorm"
)

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
	return db
}

func intBatch(from, n int) source.Batch {
	b := source.Batch{
		Columns: []string{"ID", "Name"},
		Types:   []source.ColumnType{source.TypeInt, source.TypeString},
	}
	for i := from; i < from+n; i++ {
		b.Rows = append(b.Rows, []any{int64(i), fmt.Sprintf("n%d", i)})
	}
	return b
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.Table(table).Count(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestLoad_FirstBatchCreatesThenAppends(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 2)
	ctx := context.Background()

	table, err := l.Load(ctx, intBatch(0, 5), "123 Main!", true)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if table != "usuario_123_main_" {
		t.Fatalf("unexpected table name %q", table)
	}
	if _, err := l.Load(ctx, intBatch(5, 3), "123 Main!", false); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := countRows(t, db, table); n != 8 {
		t.Fatalf("expected 8 rows, got %d", n)
	}

	var rows []map[string]interface{}
	if err := db.Table(table).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("select: %v", err)
	}
	for i, r := range rows {
		if r["chat_id"] != "123 Main!" {
			t.Fatalf("row %d: expected chat_id to be injected, got %#v", i, r["chat_id"])
		}
		for k := range r {
			if k != strings.ToLower(k) {
				t.Fatalf("column %q is not lowercase", k)
			}
		}
	}
	if rows[7]["name"] != "n7" {
		t.Fatalf("expected fetch order preserved, got %#v", rows[7])
	}
}

func TestLoad_FirstBatchReplacesPreviousRun(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 100)
	ctx := context.Background()

	if _, err := l.Load(ctx, intBatch(0, 10), "chat", true); err != nil {
		t.Fatalf("run 1: %v", err)
	}

	other := source.Batch{
		Columns: []string{"City"},
		Types:   []source.ColumnType{source.TypeString},
		Rows:    [][]any{{"Lisbon"}, {"Porto"}},
	}
	if _, err := l.Load(ctx, other, "chat", true); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if n := countRows(t, db, "chat"); n != 2 {
		t.Fatalf("expected table fully replaced with 2 rows, got %d", n)
	}
	if db.Migrator().HasColumn("chat", "id") {
		t.Fatalf("expected old schema to be gone")
	}
}

func TestLoad_NormalizesColumns(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 100)

	b := source.Batch{
		Columns: []string{"Name", "NAME", "Chat_ID", "Score"},
		Types:   []source.ColumnType{source.TypeString, source.TypeString, source.TypeString, source.TypeFloat},
		Rows:    [][]any{{"a", "b", "spoofed", 1.5}, {"c", nil, "spoofed", nil}},
	}
	table, err := l.Load(context.Background(), b, "Chat-1", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, c := range []string{"name", "name_1", "score", "chat_id"} {
		if !db.Migrator().HasColumn(table, c) {
			t.Fatalf("expected column %q", c)
		}
	}
	var spoofed int64
	if err := db.Table(table).Where("chat_id = ?", "spoofed").Count(&spoofed).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if spoofed != 0 {
		t.Fatalf("expected source chat_id column to be replaced")
	}
	var nulls int64
	if err := db.Table(table).Where("name_1 IS NULL").Count(&nulls).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if nulls != 1 {
		t.Fatalf("expected 1 null in name_1, got %d", nulls)
	}
}

func TestLoad_AppendCoercesToExistingTypes(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 100)
	ctx := context.Background()

	if _, err := l.Load(ctx, intBatch(0, 2), "c", true); err != nil {
		t.Fatalf("first: %v", err)
	}

	// ids arrive as floats, names as ints in this chunk
	next := source.Batch{
		Columns: []string{"id", "name"},
		Types:   []source.ColumnType{source.TypeFloat, source.TypeInt},
		Rows:    [][]any{{float64(2), int64(7)}},
	}
	if _, err := l.Load(ctx, next, "c", false); err != nil {
		t.Fatalf("append: %v", err)
	}

	var name string
	if err := db.Table("c").Select("name").Where("id = ?", 2).Scan(&name).Error; err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "7" {
		t.Fatalf("expected int coerced to text column, got %q", name)
	}
}

func TestLoad_AppendRoundsFloatsIntoIntColumn(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 100)
	ctx := context.Background()

	if _, err := l.Load(ctx, intBatch(0, 2), "c", true); err != nil {
		t.Fatalf("first: %v", err)
	}

	next := source.Batch{
		Columns: []string{"id", "name"},
		Types:   []source.ColumnType{source.TypeFloat, source.TypeString},
		Rows:    [][]any{{3.5, "half"}, {-2.4, "neg"}},
	}
	if _, err := l.Load(ctx, next, "c", false); err != nil {
		t.Fatalf("append: %v", err)
	}

	var ids []int64
	if err := db.Table("c").Where("name IN ?", []string{"half", "neg"}).Order("name").Pluck("id", &ids).Error; err != nil {
		t.Fatalf("pluck: %v", err)
	}
	if len(ids) != 2 || ids[0] != 4 || ids[1] != -2 {
		t.Fatalf("expected rounded ids [4 -2], got %v", ids)
	}
}

func TestCoerce_IntColumn(t *testing.T) {
	cases := []struct {
		in   any
		want any
		ok   bool
	}{
		{int64(5), int64(5), true},
		{2.5, int64(3), true},
		{-0.4, int64(0), true},
		{true, int64(1), true},
		{"7", nil, false},
		{1e30, nil, false},
	}
	for _, c := range cases {
		got, err := coerce(c.in, source.TypeInt)
		if c.ok != (err == nil) || (c.ok && got != c.want) {
			t.Fatalf("coerce(%v) = %v, %v", c.in, got, err)
		}
	}
}

func TestLoad_AppendSchemaMismatchFails(t *testing.T) {
	db := openTestDB(t)
	l := New(db, 100)
	ctx := context.Background()

	if _, err := l.Load(ctx, intBatch(0, 2), "c", true); err != nil {
		t.Fatalf("first: %v", err)
	}

	bad := source.Batch{
		Columns: []string{"id", "name"},
		Types:   []source.ColumnType{source.TypeString, source.TypeString},
		Rows:    [][]any{{"not-a-number", "x"}},
	}
	if _, err := l.Load(ctx, bad, "c", false); err == nil {
		t.Fatalf("expected schema mismatch error")
	}

	extra := source.Batch{
		Columns: []string{"id", "name", "extra"},
		Types:   []source.ColumnType{source.TypeInt, source.TypeString, source.TypeString},
		Rows:    [][]any{{int64(9), "x", "y"}},
	}
	if _, err := l.Load(ctx, extra, "c", false); err == nil {
		t.Fatalf("expected error for unknown column")
	}
	if n := countRows(t, db, "c"); n != 2 {
		t.Fatalf("expected failed appends to leave 2 rows, got %d", n)
	}
}

func TestLoad_AppendWithoutTableFails(t *testing.T) {
	db := openTestDB(t)
	if _, err := New(db, 10).Load(context.Background(), intBatch(0, 1), "missing", false); err == nil {
		t.Fatalf("expected error appending to a missing table")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]source.ColumnType{
		"BIGINT":           source.TypeInt,
		"int8":             source.TypeInt,
		"TINYINT":          source.TypeInt,
		"DOUBLE PRECISION": source.TypeFloat,
		"float8":           source.TypeFloat,
		"REAL":             source.TypeFloat,
		"boolean":          source.TypeBool,
		"TEXT":             source.TypeString,
		"varchar":          source.TypeString,
	}
	for in, want := range cases {
		if got := classify(in); got != want {
			t.Fatalf("classify(%q): expected %s, got %s", in, want, got)
		}
	}
}
