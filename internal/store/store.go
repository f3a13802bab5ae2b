package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrNotClaimed is returned when a conditional claim or terminal update finds
// the row no longer in the expected status. The caller lost the race and must
// not process the item.
var ErrNotClaimed = errors.New("row not in expected status")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// CreateBatchJob inserts the batch row and one pending result row per item
	// in a single transaction. A duplicate (batch_job_id, item_id) pair aborts
	// the whole transaction with ErrDuplicateKey.
	CreateBatchJob(ctx context.Context, job *models.BatchJob, results []*models.BatchJobResult) error
	GetBatchJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error)
	// GetBatchJobByID fetches a batch without tenant scoping. For internal use
	// by the scheduler and recovery sweep only; API paths go through
	// GetBatchJob.
	GetBatchJobByID(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListBatchJobs(ctx context.Context, filter BatchFilter) ([]*models.BatchJob, int, error)
	UpdateBatchJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...BatchUpdateOption) error
	RequestBatchCancel(ctx context.Context, id uuid.UUID) error

	ListPendingResults(ctx context.Context, batchJobID uuid.UUID, limit int) ([]*models.BatchJobResult, error)
	GetResult(ctx context.Context, id uuid.UUID) (*models.BatchJobResult, error)
	GetResultByItem(ctx context.Context, batchJobID uuid.UUID, itemID string) (*models.BatchJobResult, error)
	CountResultsByStatus(ctx context.Context, batchJobID uuid.UUID) (models.ResultCounts, error)

	// ClaimResult atomically moves a pending result to processing. Returns
	// ErrNotClaimed if the row is no longer pending, so concurrent workers
	// never claim the same row twice.
	ClaimResult(ctx context.Context, id uuid.UUID) error
	CompleteResult(ctx context.Context, id uuid.UUID, prediction []byte, confidence float64, elapsed time.Duration) error
	FailResult(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error

	// ReclaimStaleResults returns processing rows untouched for longer than
	// staleAfter back to pending and reports the batch ids they belong to.
	// Run at startup and on a timer so a crashed worker never strands a row.
	ReclaimStaleResults(ctx context.Context, staleAfter time.Duration) ([]uuid.UUID, error)
}

type BatchFilter struct {
	TenantID uuid.UUID
	Status   string
	Page     int
	Limit    int
}

type batchUpdateParams struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type BatchUpdateOption func(*batchUpdateParams)

func WithStartedAt(t time.Time) BatchUpdateOption {
	return func(p *batchUpdateParams) {
		p.StartedAt = &t
	}
}

func WithCompletedAt(t time.Time) BatchUpdateOption {
	return func(p *batchUpdateParams) {
		p.CompletedAt = &t
	}
}
