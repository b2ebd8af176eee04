package main

import (
	"errors"
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/ingest"
)

const maxRetries = 3

type verdict int

const (
	ack verdict = iota
	retry
	deadLetter
)

func (v verdict) String() string {
	switch v {
	case ack:
		return "ack"
	case retry:
		return "retry"
	default:
		return "dlq"
	}
}

// decide maps the result of executing a run to what happens to its delivery.
// status is the run's stored status after Execute, empty when unknown.
func decide(execErr error, status ingest.RunStatus, attempt int) verdict {
	switch {
	case execErr == nil:
		return ack
	case errors.Is(execErr, ingest.ErrOutcomeNotRecorded):
		// the pipeline already notified; running it again would notify twice
		return deadLetter
	case status == ingest.RunFailed || status == ingest.RunSucceeded:
		return ack
	case attempt >= maxRetries:
		return deadLetter
	default:
		return retry
	}
}

func retryDelay(attempt int) time.Duration {
	return 5 * time.Second << attempt
}
