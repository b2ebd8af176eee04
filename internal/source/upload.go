package source

import (
	"context"
	"fmt"
	"os"
)

// FetchUpload parses an already staged upload. The file is removed when the
// iterator is closed, and on every error return.
func FetchUpload(_ context.Context, path string, batchSize int) (Batches, error) {
	if batchSize <= 0 {
		_ = removeFile(path)
		return nil, ErrInvalidBatchSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", path, err)
	}
	release := func() error {
		_ = f.Close()
		return removeFile(path)
	}
	return newCSVBatches(f, batchSize, release)
}
