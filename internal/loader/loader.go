package loader

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/suPer8Hu/csv-ingest/internal/source"
	"gorm.io/gorm"
)

// ChatIDColumn is injected into every stored row.
const ChatIDColumn = "chat_id"

// bind parameter caps per statement: postgres 65535, sqlite 32766
func maxParams(dialect string) int {
	if dialect == "sqlite" {
		return 30000
	}
	return 60000
}

type Loader struct {
	db              *gorm.DB
	insertBatchSize int
}

func New(db *gorm.DB, insertBatchSize int) *Loader {
	if insertBatchSize <= 0 {
		insertBatchSize = 1000
	}
	return &Loader{db: db, insertBatchSize: insertBatchSize}
}

// Load writes one batch into the table derived from chatID. The first batch
// of a run drops and recreates the table from the batch's columns; later
// batches are appended after coercing values to the existing column types.
// Each call runs in its own transaction.
func (l *Loader) Load(ctx context.Context, batch source.Batch, chatID string, isFirstBatch bool) (string, error) {
	table := SanitizeTableName(chatID)
	cols, types, rows := normalize(batch, chatID)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isFirstBatch {
			if err := l.replaceTable(tx, table, cols, types); err != nil {
				return err
			}
		} else {
			if err := coerceToTable(tx, table, cols, rows); err != nil {
				return err
			}
		}
		return l.insert(tx, table, cols, rows)
	})
	if err != nil {
		return table, fmt.Errorf("load into %s: %w", table, err)
	}
	return table, nil
}

// normalize lowercases column names, drops any source chat_id column and
// appends the injected one.
func normalize(batch source.Batch, chatID string) ([]string, []source.ColumnType, [][]any) {
	keep := make([]int, 0, len(batch.Columns))
	cols := make([]string, 0, len(batch.Columns)+1)
	types := make([]source.ColumnType, 0, len(batch.Columns)+1)
	used := map[string]bool{ChatIDColumn: true}

	for j, c := range batch.Columns {
		name := strings.ToLower(c)
		if name == ChatIDColumn {
			continue
		}
		base := name
		for n := 1; used[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		used[name] = true
		keep = append(keep, j)
		cols = append(cols, name)
		types = append(types, batch.Types[j])
	}
	cols = append(cols, ChatIDColumn)
	types = append(types, source.TypeString)

	rows := make([][]any, len(batch.Rows))
	for i, r := range batch.Rows {
		row := make([]any, 0, len(cols))
		for _, j := range keep {
			row = append(row, r[j])
		}
		rows[i] = append(row, chatID)
	}
	return cols, types, rows
}

func (l *Loader) replaceTable(tx *gorm.DB, table string, cols []string, types []source.ColumnType) error {
	var drop strings.Builder
	drop.WriteString("DROP TABLE IF EXISTS ")
	tx.Dialector.QuoteTo(&drop, table)
	if err := tx.Exec(drop.String()).Error; err != nil {
		return fmt.Errorf("drop table: %w", err)
	}

	dialect := tx.Dialector.Name()
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	tx.Dialector.QuoteTo(&b, table)
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		tx.Dialector.QuoteTo(&b, c)
		b.WriteByte(' ')
		b.WriteString(sqlType(dialect, types[i]))
	}
	b.WriteString(")")

	if err := tx.Exec(b.String()).Error; err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (l *Loader) insert(tx *gorm.DB, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		m := make(map[string]interface{}, len(cols))
		for j, c := range cols {
			m[c] = r[j]
		}
		records[i] = m
	}

	size := l.insertBatchSize
	if perStmt := maxParams(tx.Dialector.Name()) / len(cols); perStmt < size {
		size = max(perStmt, 1)
	}
	if err := tx.Table(table).CreateInBatches(records, size).Error; err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}
	return nil
}

// coerceToTable rewrites rows in place so each value matches the type the
// table already has for its column.
func coerceToTable(tx *gorm.DB, table string, cols []string, rows [][]any) error {
	existing, err := tx.Migrator().ColumnTypes(table)
	if err != nil {
		return fmt.Errorf("read columns: %w", err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("table %s does not exist", table)
	}
	byName := make(map[string]source.ColumnType, len(existing))
	for _, ct := range existing {
		byName[strings.ToLower(ct.Name())] = classify(ct.DatabaseTypeName())
	}

	want := make([]source.ColumnType, len(cols))
	for j, c := range cols {
		t, ok := byName[c]
		if !ok {
			return fmt.Errorf("schema mismatch: column %q not in table", c)
		}
		want[j] = t
	}

	for i, r := range rows {
		for j := range r {
			v, err := coerce(r[j], want[j])
			if err != nil {
				return fmt.Errorf("schema mismatch: row %d column %q: %w", i, cols[j], err)
			}
			r[j] = v
		}
	}
	return nil
}

func sqlType(dialect string, t source.ColumnType) string {
	switch t {
	case source.TypeInt:
		return "BIGINT"
	case source.TypeFloat:
		switch dialect {
		case "postgres":
			return "DOUBLE PRECISION"
		case "mysql":
			return "DOUBLE"
		default:
			return "REAL"
		}
	case source.TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func classify(dbType string) source.ColumnType {
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "BOOL"):
		return source.TypeBool
	case strings.Contains(t, "INT"):
		return source.TypeInt
	case strings.Contains(t, "REAL"), strings.Contains(t, "DOUB"), strings.Contains(t, "FLOAT"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return source.TypeFloat
	default:
		return source.TypeString
	}
}

func coerce(v any, want source.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch want {
	case source.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case source.TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			// round half away from zero, e.g. 3.5 stored as 4
			if r := math.Round(x); !math.IsNaN(r) && math.Abs(r) < 1<<63 {
				return int64(r), nil
			}
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case source.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case source.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot store %T %v as %s", v, v, want)
}
