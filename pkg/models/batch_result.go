package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ResultStatusPending    = "pending"
	ResultStatusProcessing = "processing"
	ResultStatusCompleted  = "completed"
	ResultStatusFailed     = "failed"
)

// BatchJobResult is the per-item outcome row. Exactly one row exists per
// (batch_job_id, item_id) pair, enforced by a unique constraint. Status moves
// strictly forward: pending -> processing -> completed|failed. Prediction and
// ConfidenceScore are set together on completion; ErrorMessage only on
// failure. Position is the item's zero-based index in the submission and
// orders FIFO dispatch within the batch; created_at alone cannot, since all
// rows of a batch share one creation timestamp.
type BatchJobResult struct {
	ID               uuid.UUID       `db:"id"                 json:"id"`
	BatchJobID       uuid.UUID       `db:"batch_job_id"       json:"batch_job_id"`
	ItemID           string          `db:"item_id"            json:"item_id"`
	ItemType         string          `db:"item_type"          json:"item_type"`
	Position         int             `db:"position"           json:"position"`
	Status           string          `db:"status"             json:"status"`
	Prediction       json.RawMessage `db:"prediction"         json:"prediction,omitempty"`
	ConfidenceScore  *float64        `db:"confidence_score"   json:"confidence_score,omitempty"`
	ProcessingTimeMS *int64          `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	ErrorMessage     *string         `db:"error_message"      json:"error_message,omitempty"`
	Metadata         json.RawMessage `db:"metadata"           json:"metadata,omitempty"`
	ProcessedAt      *time.Time      `db:"processed_at"       json:"processed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"         json:"updated_at"`
}

// ResultCounts is the aggregate view of a batch's result rows, grouped by
// status.
type ResultCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of rows counted.
func (c ResultCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Settled reports whether no row is still pending or processing.
func (c ResultCounts) Settled() bool {
	return c.Pending == 0 && c.Processing == 0
}
