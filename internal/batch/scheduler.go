package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/internal/breaker"
	"github.com/kiranshivaraju/predictq/internal/cache"
	"github.com/kiranshivaraju/predictq/internal/config"
	"github.com/kiranshivaraju/predictq/internal/predictor"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
	"golang.org/x/sync/errgroup"
)

const maxErrorMessageBytes = 2000

// Scheduler drains pending result rows through a bounded worker pool. Each
// worker's unit of work is claim -> call backend -> persist terminal state;
// the conditional claim makes execution at-most-once per item even with
// multiple schedulers pointed at the same database.
type Scheduler struct {
	store     store.Store
	predictor models.Predictor
	breaker   *breaker.Breaker
	cache     cache.Cache
	cfg       config.BatchConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Start before dispatching.
func NewScheduler(st store.Store, p models.Predictor, b *breaker.Breaker, ca cache.Cache, cfg config.BatchConfig) *Scheduler {
	return &Scheduler{
		store:     st,
		predictor: p,
		breaker:   b,
		cache:     ca,
		cfg:       cfg,
	}
}

// Start runs the recovery sweep immediately (reclaiming rows stranded in
// processing by a previous crash) and keeps it running on a timer until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.sweep(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.sweep(s.ctx)
			}
		}
	}()
}

// Stop cancels dispatch and waits for in-flight workers to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Dispatch starts draining a batch's pending rows in the background. Safe to
// call more than once for the same batch: the claim CAS makes duplicate
// drains race harmlessly.
func (s *Scheduler) Dispatch(batchID uuid.UUID) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic draining batch", "batch_id", batchID, "error", r)
			}
		}()
		s.drain(ctx, batchID)
	}()
}

// drain processes the batch's pending rows page by page, one page per pool
// width, until none remain or cancellation is requested.
func (s *Scheduler) drain(ctx context.Context, batchID uuid.UUID) {
	defer finalizeBatch(ctx, s.store, s.cache, batchID)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.store.GetBatchJobByID(ctx, batchID)
		if err != nil {
			slog.Error("drain: fetch batch", "batch_id", batchID, "error", err)
			return
		}
		if job.CancelRequested || job.IsTerminal() {
			return
		}

		// A degraded backend pauses dispatch entirely; items stay pending
		// rather than burning their retries against a dead backend. The gate
		// reads State rather than Allow: the half-open probe slot belongs to
		// awaitBackend's health check, which always reports its outcome.
		if s.breaker.State() != breaker.StateClosed {
			if err := s.awaitBackend(ctx); err != nil {
				return
			}
			continue
		}

		workers := s.workersFor(job)
		rows, err := s.store.ListPendingResults(ctx, batchID, workers)
		if err != nil {
			slog.Error("drain: list pending", "batch_id", batchID, "error", err)
			return
		}
		if len(rows) == 0 {
			return
		}

		if s.cfg.PreferBulk && len(rows) > 1 {
			s.processPage(ctx, job, rows)
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(workers)
		for _, row := range rows {
			g.Go(func() error {
				s.processItem(ctx, job, row)
				return nil
			})
		}
		_ = g.Wait()
	}
}

/// processPage is the bulk path: claim a page of rows, run them through one
// BatchPredict call, and persist each outcome. If the bulk call fails, the
// already-claimed rows fall back to individual execution so a backend without
// real batching support still drains the batch.
func (s *Scheduler) processPage(ctx context.Context, job *models.BatchJob, rows []*models.BatchJobResult) {
	var claimed []*models.BatchJobResult
	for _, row := range rows {
		err := s.store.ClaimResult(ctx, row.ID)
		if errors.Is(err, store.ErrNotClaimed) {
			continue
		}
		if err != nil {
			slog.Error("claim result", "result_id", row.ID, "error", err)
			continue
		}
		claimed = append(claimed, row)
	}
	if len(claimed) == 0 {
		return
	}

	reqs := make([]models.PredictionRequest, len(claimed))
	for i, row := range claimed {
		reqs[i] = models.PredictionRequest{
			Type:     job.PredictionType,
			ItemID:   row.ItemID,
			ItemType: row.ItemType,
			Payload:  row.Metadata,
		}
	}

	policy := predictor.RetryPolicy{
		MaxRetries: s.retriesFor(job),
		BaseDelay:  s.cfg.RetryBaseDelay,
		MaxDelay:   s.cfg.RetryMaxDelay,
	}

	start := time.Now()
	var resps []models.PredictionResponse
	callErr := policy.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(job))
		defer cancel()

		r, err := s.predictor.BatchPredict(callCtx, reqs)
		if err != nil {
			if predictor.Retryable(err) {
				s.breaker.RecordFailure()
			}
			return err
		}
		s.breaker.RecordSuccess()
		resps = r
		return nil
	})
	elapsed := time.Since(start)

	if callErr != nil {
		slog.Warn("bulk predict failed, falling back to per-item calls",
			"batch_id", job.ID,
			"items", len(claimed),
			"error", callErr,
		)
		for _, row := range claimed {
			s.executeClaimed(ctx, job, row)
		}
		return
	}

	// Responses arrive in request order.
	perItem := elapsed / time.Duration(len(claimed))
	for i, row := range claimed {
		confidence := clampConfidence(resps[i].Confidence)
		if err := s.store.CompleteResult(ctx, row.ID, resps[i].Prediction, confidence, perItem); err != nil {
			slog.Error("record completed result", "result_id", row.ID, "error", err)
		}
	}
	finalizeBatch(ctx, s.store, s.cache, job.ID)
}

// processItem is one worker execution: claim the row, call the backend with
// per-item timeout and retry, persist the terminal outcome, and check whether
// the batch can finalize.
func (s *Scheduler) processItem(ctx context.Context, job *models.BatchJob, row *models.BatchJobResult) {
	if s.breaker.State() != breaker.StateClosed {
		return
	}

	err := s.store.ClaimResult(ctx, row.ID)
	if errors.Is(err, store.ErrNotClaimed) {
		return
	}
	if err != nil {
		slog.Error("claim result", "result_id", row.ID, "error", err)
		return
	}

	s.executeClaimed(ctx, job, row)
}

// executeClaimed runs an already-claimed row through the backend and records
// its terminal state.
func (s *Scheduler) executeClaimed(ctx context.Context, job *models.BatchJob, row *models.BatchJobResult) {
	policy := predictor.RetryPolicy{
		MaxRetries: s.retriesFor(job),
		BaseDelay:  s.cfg.RetryBaseDelay,
		MaxDelay:   s.cfg.RetryMaxDelay,
	}
	timeout := s.timeoutFor(job)

	start := time.Now()
	var resp models.PredictionResponse
	callErr := policy.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := s.predictor.Predict(callCtx, models.PredictionRequest{
			Type:     job.PredictionType,
			ItemID:   row.ItemID,
			ItemType: row.ItemType,
			Payload:  row.Metadata,
		})
		if err != nil {
			if predictor.Retryable(err) {
				s.breaker.RecordFailure()
			}
			return err
		}
		s.breaker.RecordSuccess()
		resp = r
		return nil
	})
	elapsed := time.Since(start)

	if callErr != nil {
		// A cancelled scheduler context is a shutdown, not an item verdict.
		// Leave the row in processing so the recovery sweep reclaims it.
		if ctx.Err() != nil {
			return
		}
		msg := truncateString(callErr.Error(), maxErrorMessageBytes)
		if err := s.store.FailResult(ctx, row.ID, msg, elapsed); err != nil {
			slog.Error("record failed result", "result_id", row.ID, "error", err)
		}
		slog.Warn("item failed",
			"batch_id", job.ID,
			"item_id", row.ItemID,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", callErr,
		)
	} else {
		confidence := clampConfidence(resp.Confidence)
		if err := s.store.CompleteResult(ctx, row.ID, resp.Prediction, confidence, elapsed); err != nil {
			slog.Error("record completed result", "result_id", row.ID, "error", err)
		}
	}

	finalizeBatch(ctx, s.store, s.cache, job.ID)
}

// awaitBackend blocks while the breaker is open, probing the backend's health
// endpoint each poll interval once the breaker admits a half-open probe.
func (s *Scheduler) awaitBackend(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.breaker.State() == breaker.StateClosed {
				return nil
			}
			if s.breaker.Allow() != nil {
				continue
			}

			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
			err := s.predictor.HealthCheck(probeCtx)
			cancel()

			if err != nil {
				s.breaker.RecordFailure()
				continue
			}
			s.breaker.RecordSuccess()
			return nil
		}
	}
}

// sweep reclaims rows stuck in processing past the staleness threshold and
// re-dispatches their batches.
func (s *Scheduler) sweep(ctx context.Context) {
	batchIDs, err := s.store.ReclaimStaleResults(ctx, s.cfg.StaleAfter)
	if err != nil {
		slog.Error("recovery sweep", "error", err)
		return
	}
	for _, id := range batchIDs {
		slog.Info("recovery sweep reclaimed items", "batch_id", id)
		s.Dispatch(id)
	}
}

func (s *Scheduler) workersFor(job *models.BatchJob) int {
	if job.Config.Workers > 0 {
		return job.Config.Workers
	}
	return s.cfg.Workers
}

func (s *Scheduler) timeoutFor(job *models.BatchJob) time.Duration {
	if job.Config.ItemTimeout > 0 {
		return job.Config.ItemTimeout
	}
	return s.cfg.ItemTimeout
}

func (s *Scheduler) retriesFor(job *models.BatchJob) int {
	if job.Config.MaxRetries > 0 {
		return job.Config.MaxRetries
	}
	return s.cfg.MaxRetries
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
