package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/internal/cache"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

const statusCacheTTL = 30 * time.Minute

// finalizeBatch applies the terminal-status rule: once no result row remains
// pending or processing, the batch becomes completed (all completed), failed
// (all failed), or partially_completed (mixed). A requested cancellation wins
// as soon as in-flight work has drained, even with rows still pending. Called
// after every terminal result transition; losing a finalize race to a
// concurrent caller is fine.
func finalizeBatch(ctx context.Context, st store.Store, ca cache.Cache, batchID uuid.UUID) {
	job, err := st.GetBatchJobByID(ctx, batchID)
	if err != nil {
		slog.Error("finalize: fetch batch", "batch_id", batchID, "error", err)
		return
	}
	if job.IsTerminal() {
		return
	}

	counts, err := st.CountResultsByStatus(ctx, batchID)
	if err != nil {
		slog.Error("finalize: count results", "batch_id", batchID, "error", err)
		return
	}

	if counts.Processing > 0 {
		return
	}

	var status string
	switch {
	case job.CancelRequested:
		status = models.BatchStatusCancelled
	case counts.Pending > 0:
		return
	case counts.Failed == 0:
		status = models.BatchStatusCompleted
	case counts.Completed == 0:
		status = models.BatchStatusFailed
	default:
		status = models.BatchStatusPartiallyCompleted
	}

	err = st.UpdateBatchJobStatus(ctx, batchID, status, store.WithCompletedAt(time.Now().UTC()))
	if errors.Is(err, store.ErrNotClaimed) {
		// A concurrent finalizer got there first.
		return
	}
	if err != nil {
		slog.Error("finalize: update batch status", "batch_id", batchID, "status", status, "error", err)
		return
	}

	_ = ca.SetBatchStatus(ctx, batchID, status, statusCacheTTL)
	slog.Info("batch finalized",
		"batch_id", batchID,
		"status", status,
		"completed", counts.Completed,
		"failed", counts.Failed,
		"pending", counts.Pending,
	)
}
