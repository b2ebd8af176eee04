package source

import (
	"math"
	"strconv"
)

// ColumnType is the scalar type inferred for one column of one batch.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	default:
		return "string"
	}
}

// Batch is a group of rows sharing one column set.
// Rows[i][j] is nil, or an int64/float64/bool/string matching Types[j].
type Batch struct {
	Columns []string
	Types   []ColumnType
	Rows    [][]any
}

func (b Batch) Len() int { return len(b.Rows) }

// Record returns row i keyed by column name.
func (b Batch) Record(i int) map[string]any {
	m := make(map[string]any, len(b.Columns))
	for j, c := range b.Columns {
		m[c] = b.Rows[i][j]
	}
	return m
}

// typeBatch infers one type per column over the non-empty cells of raw
// and converts every cell. Empty cells become nil.
func typeBatch(columns []string, raw [][]string) Batch {
	types := make([]ColumnType, len(columns))
	for j := range columns {
		types[j] = inferColumn(raw, j)
	}

	rows := make([][]any, len(raw))
	for i, rec := range raw {
		row := make([]any, len(columns))
		for j := range columns {
			if j < len(rec) && rec[j] != "" {
				row[j] = convert(rec[j], types[j])
			}
		}
		rows[i] = row
	}
	return Batch{Columns: columns, Types: types, Rows: rows}
}

func inferColumn(raw [][]string, j int) ColumnType {
	seen := false
	allInt, allFloat, allBool := true, true, true
	for _, rec := range raw {
		if j >= len(rec) || rec[j] == "" {
			continue
		}
		v := rec[j]
		seen = true
		if allInt && !isInt(v) {
			allInt = false
		}
		if allFloat && !isFloat(v) {
			allFloat = false
		}
		if allBool && !isBool(v) {
			allBool = false
		}
		if !allInt && !allFloat && !allBool {
			return TypeString
		}
	}
	switch {
	case !seen:
		return TypeString
	case allInt:
		return TypeInt
	case allFloat:
		return TypeFloat
	case allBool:
		return TypeBool
	default:
		return TypeString
	}
}

func convert(v string, t ColumnType) any {
	switch t {
	case TypeInt:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case TypeFloat:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case TypeBool:
		return parseBool(v)
	default:
		return v
	}
}

func isInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func isFloat(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isBool(v string) bool {
	switch v {
	case "true", "True", "TRUE", "false", "False", "FALSE":
		return true
	}
	return false
}

func parseBool(v string) bool {
	switch v {
	case "true", "True", "TRUE":
		return true
	}
	return false
}
