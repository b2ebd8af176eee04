package source

import (
	"context"
	"fmt"
	"sync"
)

// FetchFunc produces the batches of one source variant. ref is the
// variant's payload (file id, sheet id, path).
type FetchFunc func(ctx context.Context, ref string, batchSize int) (Batches, error)

// Registry dispatches a Descriptor to the handler registered for its Kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]FetchFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]FetchFunc)}
}

type Options struct {
	DriveBaseURL  string
	SheetsBaseURL string
	TempDir       string
}

// NewDefaultRegistry wires the drive, spreadsheet and upload variants.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	r.Register(KindDrive, NewDriveFetcher(opts.DriveBaseURL, opts.TempDir).Fetch)
	r.Register(KindSpreadsheet, NewSpreadsheetFetcher(opts.SheetsBaseURL).Fetch)
	r.Register(KindUpload, FetchUpload)
	return r
}

func (r *Registry) Register(kind Kind, f FetchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = f
}

func (r *Registry) Fetch(ctx context.Context, d Descriptor, batchSize int) (Batches, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.handlers[d.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, d.Kind)
	}
	return f(ctx, d.Ref, batchSize)
}
