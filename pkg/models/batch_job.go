package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	BatchStatusPending            = "pending"
	BatchStatusRunning            = "running"
	BatchStatusCompleted          = "completed"
	BatchStatusPartiallyCompleted = "partially_completed"
	BatchStatusFailed             = "failed"
	BatchStatusCancelled          = "cancelled"
)

// BatchConfig is the per-batch processing configuration stored alongside the
// job. Zero values mean "use the server defaults".
type BatchConfig struct {
	Workers     int           `json:"workers,omitempty"`
	ItemTimeout time.Duration `json:"item_timeout,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty"`
}

// BatchJob tracks one submission of N items to be run through the prediction
// backend. The API returns a batch id on POST /api/v1/batches; the client
// polls GET /api/v1/batches/{id} until status is terminal. TotalItems is fixed
// at creation and never changes.
type BatchJob struct {
	ID              uuid.UUID      `db:"id"               json:"id"`
	TenantID        uuid.UUID      `db:"tenant_id"        json:"tenant_id"`
	ItemType        string         `db:"item_type"        json:"item_type"`
	PredictionType  PredictionType `db:"prediction_type"  json:"prediction_type"`
	Status          string         `db:"status"           json:"status"`
	TotalItems      int            `db:"total_items"      json:"total_items"`
	Config          BatchConfig    `db:"config"           json:"config"`
	CancelRequested bool           `db:"cancel_requested" json:"cancel_requested"`
	StartedAt       *time.Time     `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
}

// IsTerminal reports whether the batch has reached a state that cannot
// transition further.
func (b *BatchJob) IsTerminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}
