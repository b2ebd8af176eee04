package source

import "errors"

var (
	ErrUnknownKind      = errors.New("unknown source kind")
	ErrEmptySource      = errors.New("csv source is empty")
	ErrMalformedSource  = errors.New("csv source has no well-formed rows")
	ErrNotDownloadable  = errors.New("source did not return csv content")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
)
