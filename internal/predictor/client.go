// Package predictor holds the client for the external ML prediction backend.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kiranshivaraju/predictq/internal/config"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// HTTPClient implements models.Predictor against the backend's HTTP API.
// Every capability is served by the same endpoint shape,
// POST /api/v1/predict/{type}, so the engine never special-cases a capability.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a prediction backend client. The configured call
// timeout bounds every request issued through it.
func NewHTTPClient(cfg config.PredictorConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.CallTimeout},
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Predict(ctx context.Context, req models.PredictionRequest) (models.PredictionResponse, error) {
	if err := req.Type.Validate(); err != nil {
		return models.PredictionResponse{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	u := fmt.Sprintf("%s/api/v1/predict/%s", c.baseURL, url.PathEscape(string(req.Type)))

	var resp models.PredictionResponse
	if err := c.post(ctx, u, req, &resp); err != nil {
		return models.PredictionResponse{}, err
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return models.PredictionResponse{}, fmt.Errorf("%w: confidence %f out of range", ErrInvalidResponse, resp.Confidence)
	}
	return resp, nil
}

func (c *HTTPClient) BatchPredict(ctx context.Context, reqs []models.PredictionRequest) ([]models.PredictionResponse, error) {
	if len(reqs) == 0 {
		return []models.PredictionResponse{}, nil
	}
	for _, req := range reqs {
		if err := req.Type.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	u := fmt.Sprintf("%s/api/v1/predict/batch", c.baseURL)

	body := struct {
		Items []models.PredictionRequest `json:"items"`
	}{Items: reqs}

	var resp struct {
		Results []models.PredictionResponse `json:"results"`
	}
	if err := c.post(ctx, u, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(reqs) {
		return nil, fmt.Errorf("%w: got %d results for %d items", ErrInvalidResponse, len(resp.Results), len(reqs))
	}
	return resp.Results, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/v1/health", c.baseURL)
	return c.get(ctx, u, nil)
}

func (c *HTTPClient) ModelInfo(ctx context.Context) ([]models.ModelInfo, error) {
	u := fmt.Sprintf("%s/api/v1/models", c.baseURL)

	var resp struct {
		Models []models.ModelInfo `json:"models"`
	}
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

func (c *HTTPClient) ModelHealth(ctx context.Context) (models.ModelHealth, error) {
	u := fmt.Sprintf("%s/api/v1/models/health", c.baseURL)

	var resp models.ModelHealth
	if err := c.get(ctx, u, &resp); err != nil {
		return models.ModelHealth{}, err
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, u string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	return c.do(httpReq, out)
}

func (c *HTTPClient) get(ctx context.Context, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	return c.do(httpReq, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Compile-time check that HTTPClient implements Predictor.
var _ models.Predictor = (*HTTPClient)(nil)
