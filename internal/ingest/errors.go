package ingest

import (
	"errors"
	"fmt"

	"github.com/suPer8Hu/csv-ingest/internal/source"
)

var ErrInvalidRequest = errors.New("invalid ingestion request")

// ErrOutcomeNotRecorded means the pipeline finished and notified, but the
// run record could not be updated. Running it again would notify twice.
var ErrOutcomeNotRecorded = errors.New("run outcome not recorded")

// FetchError wraps any failure to obtain or read the source.
type FetchError struct {
	Source source.Descriptor
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LoadError wraps a storage failure while writing batch number Batch (1-based).
type LoadError struct {
	Table string
	Batch int
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load batch %d into %s: %v", e.Batch, e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
