package ingest

import (
	"time"

	"github.com/suPer8Hu/csv-ingest/internal/source"
)

// Request drives one pipeline run. It is not modified once built.
type Request struct {
	RunID     string
	Source    source.Descriptor
	ChatID    string
	BatchSize int
}

// Outcome is what a run reports back once it reaches a terminal state.
type Outcome struct {
	Success   bool
	TotalRows int64
	TableName string
	Err       error
}

func (o Outcome) ErrorDetail() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateLoading   State = "loading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type Run struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	ChatID     string      `gorm:"type:varchar(255);index;not null" json:"chat_id"`
	SourceKind source.Kind `gorm:"type:varchar(16);not null" json:"source_kind"`
	SourceRef  string      `gorm:"type:text;not null" json:"source_ref"`
	BatchSize  int         `gorm:"not null" json:"batch_size"`

	Status RunStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled as the run progresses
	TotalRows int64   `gorm:"not null;default:0" json:"total_rows"`
	Target    string  `gorm:"column:table_name;type:varchar(255)" json:"table_name"`
	Error     *string `gorm:"type:text" json:"error,omitempty"`

	// BLAKE2b-256 of staged uploads
	Checksum *string `gorm:"type:varchar(64)" json:"checksum,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Run) TableName() string { return "ingest_runs" }

func (r *Run) Request() Request {
	return Request{
		RunID:     r.ID,
		Source:    source.Descriptor{Kind: r.SourceKind, Ref: r.SourceRef},
		ChatID:    r.ChatID,
		BatchSize: r.BatchSize,
	}
}
