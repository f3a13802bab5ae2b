package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// --- mocks ---

// memStore is an in-memory Store with the same claim and transition semantics
// as the Postgres implementation, so engine tests exercise real CAS behavior.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.BatchJob
	results map[uuid.UUID]*models.BatchJobResult

	createErr  error
	listErr    error
	claimCalls int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*models.BatchJob),
		results: make(map[uuid.UUID]*models.BatchJobResult),
	}
}

func (s *memStore) Ping(_ context.Context) error { return nil }
func (s *memStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) { return nil, nil }
func (s *memStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *memStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *memStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *memStore) RevokeAPIKey(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }

func (s *memStore) CreateBatchJob(_ context.Context, job *models.BatchJob, results []*models.BatchJobResult) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if seen[r.ItemID] {
			return store.ErrDuplicateKey
		}
		seen[r.ItemID] = true
	}

	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	for _, r := range results {
		rCopy := *r
		s.results[r.ID] = &rCopy
	}
	return nil
}

func (s *memStore) GetBatchJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (s *memStore) GetBatchJobByID(_ context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (s *memStore) ListBatchJobs(_ context.Context, filter store.BatchFilter) ([]*models.BatchJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.BatchJob
	for _, job := range s.jobs {
		if job.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	return jobs, len(jobs), nil
}

func (s *memStore) UpdateBatchJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.BatchUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.IsTerminal() {
		return store.ErrNotClaimed
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	// Timestamps from the options are applied directly; the mock does not
	// reconstruct the params struct.
	now := time.Now().UTC()
	switch status {
	case models.BatchStatusRunning:
		job.StartedAt = &now
	case models.BatchStatusCompleted, models.BatchStatusPartiallyCompleted,
		models.BatchStatusFailed, models.BatchStatusCancelled:
		job.CompletedAt = &now
	}
	return nil
}

func (s *memStore) RequestBatchCancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

func (s *memStore) ListPendingResults(_ context.Context, batchJobID uuid.UUID, limit int) ([]*models.BatchJobResult, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*models.BatchJobResult
	for _, r := range s.results {
		if r.BatchJobID == batchJobID && r.Status == models.ResultStatusPending {
			rCopy := *r
			rows = append(rows, &rCopy)
		}
	}
	// FIFO by submission order, like the position ordering in Postgres.
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *memStore) GetResult(_ context.Context, id uuid.UUID) (*models.BatchJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	rCopy := *r
	return &rCopy, nil
}

func (s *memStore) GetResultByItem(_ context.Context, batchJobID uuid.UUID, itemID string) (*models.BatchJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.BatchJobID == batchJobID && r.ItemID == itemID {
			rCopy := *r
			return &rCopy, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) CountResultsByStatus(_ context.Context, batchJobID uuid.UUID) (models.ResultCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts models.ResultCounts
	for _, r := range s.results {
		if r.BatchJobID != batchJobID {
			continue
		}
		switch r.Status {
		case models.ResultStatusPending:
			counts.Pending++
		case models.ResultStatusProcessing:
			counts.Processing++
		case models.ResultStatusCompleted:
			counts.Completed++
		case models.ResultStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *memStore) ClaimResult(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != models.ResultStatusPending {
		return store.ErrNotClaimed
	}
	r.Status = models.ResultStatusProcessing
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) CompleteResult(_ context.Context, id uuid.UUID, prediction []byte, confidence float64, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != models.ResultStatusProcessing {
		return store.ErrNotClaimed
	}
	now := time.Now().UTC()
	ms := elapsed.Milliseconds()
	r.Status = models.ResultStatusCompleted
	r.Prediction = prediction
	r.ConfidenceScore = &confidence
	r.ProcessingTimeMS = &ms
	r.ProcessedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *memStore) FailResult(_ context.Context, id uuid.UUID, errMsg string, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != models.ResultStatusProcessing {
		return store.ErrNotClaimed
	}
	now := time.Now().UTC()
	ms := elapsed.Milliseconds()
	r.Status = models.ResultStatusFailed
	r.ErrorMessage = &errMsg
	r.ProcessingTimeMS = &ms
	r.ProcessedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *memStore) ReclaimStaleResults(_ context.Context, staleAfter time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	seen := make(map[uuid.UUID]bool)
	var batchIDs []uuid.UUID
	for _, r := range s.results {
		if r.Status == models.ResultStatusProcessing && r.UpdatedAt.Before(cutoff) {
			r.Status = models.ResultStatusPending
			r.UpdatedAt = time.Now().UTC()
			if !seen[r.BatchJobID] {
				seen[r.BatchJobID] = true
				batchIDs = append(batchIDs, r.BatchJobID)
			}
		}
	}
	return batchIDs, nil
}

// resultByItem is a test helper that reads a row without copying semantics.
func (s *memStore) resultByItem(batchJobID uuid.UUID, itemID string) *models.BatchJobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.BatchJobID == batchJobID && r.ItemID == itemID {
			return r
		}
	}
	return nil
}

var _ store.Store = (*memStore)(nil)

type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID]string)}
}

func (c *memCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *memCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *memCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *memCache) Ping(_ context.Context) error                                     { return nil }
func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (c *memCache) SetBatchStatus(_ context.Context, batchID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[batchID] = status
	return nil
}

func (c *memCache) GetBatchStatus(_ context.Context, batchID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[batchID]
	return s, ok, nil
}
