package handler

import (
	"net/http"

	"github.com/kiranshivaraju/predictq/internal/api/response"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// NewModelInfoHandler returns an http.HandlerFunc for GET /api/v1/models,
// proxying the backend's deployed-model metadata.
func NewModelInfoHandler(p models.Predictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := p.ModelInfo(r.Context())
		if err != nil {
			response.Error(w, http.StatusBadGateway, "BACKEND_UNAVAILABLE",
				"The prediction backend is not available", nil)
			return
		}
		response.JSON(w, info)
	}
}
