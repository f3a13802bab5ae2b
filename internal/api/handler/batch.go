package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/predictq/internal/api/middleware"
	"github.com/kiranshivaraju/predictq/internal/api/response"
	"github.com/kiranshivaraju/predictq/internal/batch"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// BatchService defines the interface the batch handlers depend on.
type BatchService interface {
	CreateBatch(ctx context.Context, params batch.CreateParams) (*models.BatchJob, error)
	StartBatch(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error)
	CancelBatch(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error)
	GetBatchStatus(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*batch.BatchStatus, error)
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]*models.BatchJob, int, error)
}

// NewCreateBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
func NewCreateBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			ItemType       string   `json:"item_type"`
			PredictionType string   `json:"prediction_type"`
			ItemIDs        []string `json:"item_ids"`
			Config         struct {
				Workers     int    `json:"workers"`
				ItemTimeout string `json:"item_timeout"`
				MaxRetries  int    `json:"max_retries"`
			} `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.PredictionType == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prediction_type is required", nil)
			return
		}

		cfg := models.BatchConfig{
			Workers:    req.Config.Workers,
			MaxRetries: req.Config.MaxRetries,
		}
		if req.Config.ItemTimeout != "" {
			d, err := time.ParseDuration(req.Config.ItemTimeout)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"config.item_timeout must be a duration like \"30s\"", nil)
				return
			}
			cfg.ItemTimeout = d
		}

		job, err := svc.CreateBatch(r.Context(), batch.CreateParams{
			TenantID:       tenantID,
			ItemType:       req.ItemType,
			PredictionType: models.PredictionType(req.PredictionType),
			ItemIDs:        req.ItemIDs,
			Config:         cfg,
		})
		if err != nil {
			writeBatchError(w, err)
			return
		}

		response.Created(w, job)
	}
}

// NewStartBatchHandler returns an http.HandlerFunc for POST /api/v1/batches/{batchID}/start.
func NewStartBatchHandler(svc BatchService) http.HandlerFunc {
	return batchAction(svc.StartBatch)
}

// NewCancelBatchHandler returns an http.HandlerFunc for POST /api/v1/batches/{batchID}/cancel.
func NewCancelBatchHandler(svc BatchService) http.HandlerFunc {
	return batchAction(svc.CancelBatch)
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{batchID}.
func NewGetBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, batchID, ok := batchRequestIDs(w, r)
		if !ok {
			return
		}

		status, err := svc.GetBatchStatus(r.Context(), batchID, tenantID)
		if err != nil {
			writeBatchError(w, err)
			return
		}

		response.JSON(w, status)
	}
}

// NewListBatchesHandler returns an http.HandlerFunc for GET /api/v1/batches.
func NewListBatchesHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		page := queryInt(r, "page", 1)
		limit := queryInt(r, "limit", 20)

		jobs, total, err := svc.ListBatches(r.Context(), store.BatchFilter{
			TenantID: tenantID,
			Status:   r.URL.Query().Get("status"),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list batches", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.BatchJob{}
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// batchAction wraps the start/cancel operations, which share request shape.
func batchAction(fn func(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, batchID, ok := batchRequestIDs(w, r)
		if !ok {
			return
		}

		job, err := fn(r.Context(), batchID, tenantID)
		if err != nil {
			writeBatchError(w, err)
			return
		}

		response.JSON(w, job)
	}
}

func batchRequestIDs(w http.ResponseWriter, r *http.Request) (tenantID uuid.UUID, batchID uuid.UUID, ok bool) {
	tenantID, found := mw.GetTenantID(r)
	if !found {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "batchID must be a valid UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}

	return tenantID, batchID, true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrNoItems),
		errors.Is(err, batch.ErrDuplicateItem),
		errors.Is(err, batch.ErrInvalidPredictionType):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Batch not found", nil)
	case errors.Is(err, batch.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
