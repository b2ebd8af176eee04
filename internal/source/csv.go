package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Batches is a pull iterator over the batches of one source. It is not
// restartable. Callers must Close it; Close releases the underlying file or
// stream (and deletes temp/uploaded files) whether or not it was exhausted.
type Batches interface {
	// Next advances to the next batch. It returns false when the source is
	// exhausted or an error occurred; check Err afterwards.
	Next() bool
	Batch() Batch
	Err() error
	Close() error
}

type csvBatches struct {
	r         *csv.Reader
	columns   []string
	batchSize int

	cur  Batch
	err  error
	done bool

	good, skipped int

	release   func() error
	closeOnce sync.Once
	closeErr  error
}

// newCSVBatches reads the header row from r. On any error release is called
// before returning, so callers never leak the resource.
func newCSVBatches(r io.Reader, batchSize int, release func() error) (*csvBatches, error) {
	if release == nil {
		release = func() error { return nil }
	}
	if batchSize <= 0 {
		_ = release()
		return nil, ErrInvalidBatchSize
	}

	cr := csv.NewReader(r)
	// width is checked against the header ourselves
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		_ = release()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptySource
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	return &csvBatches{
		r:         cr,
		columns:   normalizeHeader(header),
		batchSize: batchSize,
		release:   release,
	}, nil
}

func (b *csvBatches) Next() bool {
	if b.done {
		return false
	}

	raw := make([][]string, 0, min(b.batchSize, 4096))
	for len(raw) < b.batchSize {
		rec, err := b.r.Read()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				b.skipped++
				continue
			}
			b.err = fmt.Errorf("read csv: %w", err)
			b.done = true
			return false
		}
		if len(rec) > len(b.columns) {
			b.skipped++
			continue
		}
		b.good++
		raw = append(raw, rec)
	}

	if len(raw) == 0 {
		if b.good == 0 && b.skipped > 0 {
			b.err = fmt.Errorf("%w (%d malformed lines)", ErrMalformedSource, b.skipped)
		}
		return false
	}

	b.cur = typeBatch(b.columns, raw)
	return true
}

func (b *csvBatches) Batch() Batch { return b.cur }

func (b *csvBatches) Err() error { return b.err }

// Skipped reports how many malformed lines were dropped so far.
func (b *csvBatches) Skipped() int { return b.skipped }

func (b *csvBatches) Close() error {
	b.closeOnce.Do(func() {
		b.done = true
		b.closeErr = b.release()
	})
	return b.closeErr
}

// normalizeHeader strips a UTF-8 BOM, names empty headers and
// suffixes repeated names with .1, .2, ...
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	counts := make(map[string]int)
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			h = "unnamed_" + strconv.Itoa(i)
		}
		name := h
		for used[name] {
			counts[h]++
			name = h + "." + strconv.Itoa(counts[h])
		}
		used[name] = true
		out[i] = name
	}
	return out
}
