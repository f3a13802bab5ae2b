package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Batch Jobs ---

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *models.BatchJob, results []*models.BatchJobResult) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal batch config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch creation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO batch_jobs (id, tenant_id, item_type, prediction_type, status, total_items, config, cancel_requested, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.TenantID, job.ItemType, job.PredictionType, job.Status,
		job.TotalItems, cfg, job.CancelRequested, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch job: %w", err)
	}

	for _, r := range results {
		_, err = tx.Exec(ctx,
			`INSERT INTO batch_job_results (id, batch_job_id, item_id, item_type, position, status, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.BatchJobID, r.ItemID, r.ItemType, r.Position, r.Status, r.Metadata, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create batch job result (item %s): %w", r.ItemID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch creation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error) {
	var (
		j   models.BatchJob
		cfg []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, item_type, prediction_type, status, total_items, config, cancel_requested, started_at, completed_at, created_at, updated_at
		 FROM batch_jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&j.ID, &j.TenantID, &j.ItemType, &j.PredictionType, &j.Status, &j.TotalItems,
		&cfg, &j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return nil, fmt.Errorf("unmarshal batch config: %w", err)
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetBatchJobByID(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	var (
		j   models.BatchJob
		cfg []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, item_type, prediction_type, status, total_items, config, cancel_requested, started_at, completed_at, created_at, updated_at
		 FROM batch_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.TenantID, &j.ItemType, &j.PredictionType, &j.Status, &j.TotalItems,
		&cfg, &j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job by id: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return nil, fmt.Errorf("unmarshal batch config: %w", err)
		}
	}
	return &j, nil
}

func (s *PostgresStore) ListBatchJobs(ctx context.Context, filter BatchFilter) ([]*models.BatchJob, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM batch_jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batch jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, tenant_id, item_type, prediction_type, status, total_items, config, cancel_requested, started_at, completed_at, created_at, updated_at
		 FROM batch_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		var (
			j   models.BatchJob
			cfg []byte
		)
		if err := rows.Scan(&j.ID, &j.TenantID, &j.ItemType, &j.PredictionType, &j.Status,
			&j.TotalItems, &cfg, &j.CancelRequested, &j.StartedAt, &j.CompletedAt,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan batch job: %w", err)
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &j.Config); err != nil {
				return nil, 0, fmt.Errorf("unmarshal batch config: %w", err)
			}
		}
		jobs = append(jobs, &j)
	}
	return jobs, total, rows.Err()
}

var validBatchTransitions = map[string][]string{
	models.BatchStatusPending: {models.BatchStatusRunning, models.BatchStatusCancelled},
	models.BatchStatusRunning: {
		models.BatchStatusCompleted,
		models.BatchStatusPartiallyCompleted,
		models.BatchStatusFailed,
		models.BatchStatusCancelled,
	},
}

func (s *PostgresStore) UpdateBatchJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...BatchUpdateOption) error {
	params := &batchUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get batch status: %w", err)
	}

	allowed := validBatchTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid batch status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE batch_jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if params.StartedAt != nil {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, *params.StartedAt)
		argIdx++
	}
	if params.CompletedAt != nil {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, *params.CompletedAt)
		argIdx++
	}

	// Guard on the status we read so two finalizers racing cannot both win.
	query += fmt.Sprintf(" WHERE id = $1 AND status = $%d", argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) RequestBatchCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request batch cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Batch Job Results ---

const resultColumns = `id, batch_job_id, item_id, item_type, position, status, prediction, confidence_score, processing_time_ms, error_message, metadata, processed_at, created_at, updated_at`

func (s *PostgresStore) ListPendingResults(ctx context.Context, batchJobID uuid.UUID, limit int) ([]*models.BatchJobResult, error) {
	query := `SELECT ` + resultColumns + `
		 FROM batch_job_results WHERE batch_job_id = $1 AND status = 'pending' ORDER BY position ASC`
	args := []any{batchJobID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending results: %w", err)
	}
	defer rows.Close()

	var results []*models.BatchJobResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) GetResult(ctx context.Context, id uuid.UUID) (*models.BatchJobResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM batch_job_results WHERE id = $1`, id)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetResultByItem(ctx context.Context, batchJobID uuid.UUID, itemID string) (*models.BatchJobResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM batch_job_results WHERE batch_job_id = $1 AND item_id = $2`,
		batchJobID, itemID)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result by item: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CountResultsByStatus(ctx context.Context, batchJobID uuid.UUID) (models.ResultCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM batch_job_results WHERE batch_job_id = $1 GROUP BY status`, batchJobID)
	if err != nil {
		return models.ResultCounts{}, fmt.Errorf("count results: %w", err)
	}
	defer rows.Close()

	var counts models.ResultCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.ResultCounts{}, fmt.Errorf("scan result count: %w", err)
		}
		switch status {
		case models.ResultStatusPending:
			counts.Pending = n
		case models.ResultStatusProcessing:
			counts.Processing = n
		case models.ResultStatusCompleted:
			counts.Completed = n
		case models.ResultStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ClaimResult is the compare-and-swap at the heart of the engine: the UPDATE
// only succeeds while the row is still pending, so exactly one of any number
// of concurrent claimants wins.
func (s *PostgresStore) ClaimResult(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_job_results SET status = 'processing', updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("claim result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) CompleteResult(ctx context.Context, id uuid.UUID, prediction []byte, confidence float64, elapsed time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_job_results
		 SET status = 'completed', prediction = $2, confidence_score = $3,
		     processing_time_ms = $4, processed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, prediction, confidence, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("complete result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) FailResult(ctx context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_job_results
		 SET status = 'failed', error_message = $2,
		     processing_time_ms = $3, processed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, errMsg, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("fail result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) ReclaimStaleResults(ctx context.Context, staleAfter time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE batch_job_results SET status = 'pending', updated_at = NOW()
		 WHERE status = 'processing' AND updated_at < NOW() - $1::interval
		 RETURNING batch_job_id`,
		fmt.Sprintf("%d milliseconds", staleAfter.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("reclaim stale results: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	var batchIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed batch id: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			batchIDs = append(batchIDs, id)
		}
	}
	return batchIDs, rows.Err()
}

func scanResult(row pgx.Row) (*models.BatchJobResult, error) {
	var r models.BatchJobResult
	err := row.Scan(&r.ID, &r.BatchJobID, &r.ItemID, &r.ItemType, &r.Position,
		&r.Status, &r.Prediction, &r.ConfidenceScore, &r.ProcessingTimeMS,
		&r.ErrorMessage, &r.Metadata, &r.ProcessedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
