package mock

import (
	"context"
	"encoding/json"

	"github.com/kiranshivaraju/predictq/internal/predictor"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// MockPredictor satisfies models.Predictor for testing.
type MockPredictor struct {
	Name_            string
	PredictFunc      func(ctx context.Context, req models.PredictionRequest) (models.PredictionResponse, error)
	BatchPredictFunc func(ctx context.Context, reqs []models.PredictionRequest) ([]models.PredictionResponse, error)
	HealthCheckFunc  func(ctx context.Context) error
}

func (m *MockPredictor) Name() string { return m.Name_ }

func (m *MockPredictor) Predict(ctx context.Context, req models.PredictionRequest) (models.PredictionResponse, error) {
	if m.PredictFunc != nil {
		return m.PredictFunc(ctx, req)
	}
	return models.PredictionResponse{ItemID: req.ItemID}, nil
}

func (m *MockPredictor) BatchPredict(ctx context.Context, reqs []models.PredictionRequest) ([]models.PredictionResponse, error) {
	if m.BatchPredictFunc != nil {
		return m.BatchPredictFunc(ctx, reqs)
	}
	out := make([]models.PredictionResponse, len(reqs))
	for i, req := range reqs {
		resp, err := m.Predict(ctx, req)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

func (m *MockPredictor) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return nil
}

func (m *MockPredictor) ModelInfo(_ context.Context) ([]models.ModelInfo, error) {
	return []models.ModelInfo{{Name: "mock-model", Version: "v1", Type: models.PredictionChurn}}, nil
}

func (m *MockPredictor) ModelHealth(_ context.Context) (models.ModelHealth, error) {
	return models.ModelHealth{Status: "healthy"}, nil
}

// NewMockPredictor returns a MockPredictor with sensible default responses.
func NewMockPredictor() *MockPredictor {
	return &MockPredictor{
		Name_: "mock",
		PredictFunc: func(_ context.Context, req models.PredictionRequest) (models.PredictionResponse, error) {
			doc, _ := json.Marshal(map[string]any{
				"item_id": req.ItemID,
				"score":   0.42,
			})
			return models.PredictionResponse{
				ItemID:     req.ItemID,
				Prediction: doc,
				Confidence: 0.85,
				Model:      "mock-v1",
			}, nil
		},
	}
}

// NewFailingPredictor returns a MockPredictor whose calls always return err.
func NewFailingPredictor(err error) *MockPredictor {
	return &MockPredictor{
		Name_: "mock-failing",
		PredictFunc: func(_ context.Context, _ models.PredictionRequest) (models.PredictionResponse, error) {
			return models.PredictionResponse{}, err
		},
		HealthCheckFunc: func(_ context.Context) error {
			return err
		},
	}
}

// NewTimeoutPredictor returns a MockPredictor that blocks until context is cancelled.
func NewTimeoutPredictor() *MockPredictor {
	return &MockPredictor{
		Name_: "mock-timeout",
		PredictFunc: func(ctx context.Context, _ models.PredictionRequest) (models.PredictionResponse, error) {
			<-ctx.Done()
			return models.PredictionResponse{}, predictor.ErrBackendTimeout
		},
		HealthCheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return predictor.ErrBackendTimeout
		},
	}
}

// Compile-time check that MockPredictor implements Predictor.
var _ models.Predictor = (*MockPredictor)(nil)
