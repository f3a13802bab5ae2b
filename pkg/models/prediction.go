// Package models contains shared data models used across the PredictQ codebase.
package models

import (
	"context"
	"encoding/json"
	"fmt"
)

// PredictionType identifies a prediction capability of the backend. The
// backend exposes one model per capability; the engine treats the capability
// as an opaque routing tag so scheduling and retry logic are written once.
type PredictionType string

const (
	PredictionProfitability      PredictionType = "profitability"
	PredictionChurn              PredictionType = "churn"
	PredictionRevenueLeak        PredictionType = "revenue_leak"
	PredictionDynamicPricing     PredictionType = "dynamic_pricing"
	PredictionBudgetOptimization PredictionType = "budget_optimization"
	PredictionDemandForecast     PredictionType = "demand_forecast"
	PredictionAnomalyDetection   PredictionType = "anomaly_detection"
)

var validPredictionTypes = map[PredictionType]bool{
	PredictionProfitability:      true,
	PredictionChurn:              true,
	PredictionRevenueLeak:        true,
	PredictionDynamicPricing:     true,
	PredictionBudgetOptimization: true,
	PredictionDemandForecast:     true,
	PredictionAnomalyDetection:   true,
}

// Validate returns an error if t is not a known prediction capability.
func (t PredictionType) Validate() error {
	if !validPredictionTypes[t] {
		return fmt.Errorf("unknown prediction type %q", t)
	}
	return nil
}

// PredictionRequest is the input to a single prediction call.
type PredictionRequest struct {
	Type     PredictionType  `json:"type"`
	ItemID   string          `json:"item_id"`
	ItemType string          `json:"item_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PredictionResponse is the backend's answer for one item. Prediction is an
// opaque document; Confidence is in [0, 1].
type PredictionResponse struct {
	ItemID     string          `json:"item_id"`
	Prediction json.RawMessage `json:"prediction"`
	Confidence float64         `json:"confidence"`
	Model      string          `json:"model,omitempty"`
}

// ModelInfo describes a deployed model as reported by the backend.
type ModelInfo struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Type     PredictionType `json:"type"`
	Features []string       `json:"features,omitempty"`
}

// ModelHealth is the backend's self-reported health for its models.
type ModelHealth struct {
	Status string            `json:"status"`
	Models map[string]string `json:"models,omitempty"`
}

// Predictor is the core interface the batch engine drives items through.
// Never call the prediction backend directly — always inject this interface.
type Predictor interface {
	// Predict runs a single item through the capability named in the request.
	Predict(ctx context.Context, req PredictionRequest) (PredictionResponse, error)
	// BatchPredict runs several items in one backend call and returns results
	// in request order. Optional optimization; callers must tolerate
	// per-item fallback when it is unsupported.
	BatchPredict(ctx context.Context, reqs []PredictionRequest) ([]PredictionResponse, error)
	// HealthCheck probes backend liveness without side effects.
	HealthCheck(ctx context.Context) error
	// ModelInfo returns metadata for the deployed models.
	ModelInfo(ctx context.Context) ([]ModelInfo, error)
	// ModelHealth returns per-model health as reported by the backend.
	ModelHealth(ctx context.Context) (ModelHealth, error)
	// Name returns the backend identifier (e.g., "http", "mock").
	Name() string
}
