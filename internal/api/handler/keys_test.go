package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

type mockKeyStore struct {
	createFn func(key *models.APIKey) error
	listFn   func(tenantID uuid.UUID) ([]*models.APIKey, error)
	revokeFn func(id, tenantID uuid.UUID) error
}

func (m *mockKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	return m.createFn(key)
}
func (m *mockKeyStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	return m.listFn(tenantID)
}
func (m *mockKeyStore) RevokeAPIKey(_ context.Context, id, tenantID uuid.UUID) error {
	return m.revokeFn(id, tenantID)
}

func TestCreateKeyHandler_Success(t *testing.T) {
	tenantID := uuid.New()
	var stored *models.APIKey
	st := &mockKeyStore{
		createFn: func(key *models.APIKey) error {
			stored = key
			return nil
		},
	}

	req := tenantRequest(t, http.MethodPost, "/api/v1/admin/keys",
		map[string]any{"name": "ci-pipeline"}, tenantID)
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(st).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data struct {
			Key    models.APIKey `json:"key"`
			RawKey string        `json:"raw_key"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !strings.HasPrefix(env.Data.RawKey, "pq_") {
		t.Errorf("raw key missing pq_ prefix: %q", env.Data.RawKey)
	}
	if env.Data.Key.KeyPrefix != env.Data.RawKey[:8] {
		t.Errorf("prefix %q does not match raw key %q", env.Data.Key.KeyPrefix, env.Data.RawKey)
	}
	if env.Data.Key.TenantID != tenantID {
		t.Errorf("tenant not set on stored key")
	}
	if got := env.Data.Key.Scopes; len(got) != 2 || got[0] != "read" || got[1] != "submit" {
		t.Errorf("expected default scopes, got %v", got)
	}

	// Only the bcrypt hash reaches the store, and it verifies against the raw key.
	if stored == nil {
		t.Fatal("key never persisted")
	}
	if stored.KeyHash == env.Data.RawKey {
		t.Error("raw key stored instead of hash")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(env.Data.RawKey)); err != nil {
		t.Errorf("stored hash does not match raw key: %v", err)
	}
}

func TestCreateKeyHandler_CustomScopes(t *testing.T) {
	st := &mockKeyStore{createFn: func(_ *models.APIKey) error { return nil }}

	req := tenantRequest(t, http.MethodPost, "/api/v1/admin/keys",
		map[string]any{"name": "admin", "scopes": []string{"admin"}}, uuid.New())
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(st).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var env struct {
		Data struct {
			Key models.APIKey `json:"key"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data.Key.Scopes) != 1 || env.Data.Key.Scopes[0] != "admin" {
		t.Errorf("custom scopes not honored: %v", env.Data.Key.Scopes)
	}
}

func TestCreateKeyHandler_NameRequired(t *testing.T) {
	st := &mockKeyStore{}

	req := tenantRequest(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{}, uuid.New())
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(st).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrCode(t, rec); code != "INVALID_REQUEST" {
		t.Errorf("expected INVALID_REQUEST, got %s", code)
	}
}

func TestListKeysHandler_EmptyIsArrayNotNull(t *testing.T) {
	st := &mockKeyStore{
		listFn: func(_ uuid.UUID) ([]*models.APIKey, error) { return nil, nil },
	}

	req := tenantRequest(t, http.MethodGet, "/api/v1/admin/keys", nil, uuid.New())
	rec := httptest.NewRecorder()
	NewListKeysHandler(st).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestRevokeKeyHandler_Success(t *testing.T) {
	tenantID := uuid.New()
	keyID := uuid.New()
	st := &mockKeyStore{
		revokeFn: func(id, tid uuid.UUID) error {
			if id != keyID || tid != tenantID {
				t.Errorf("wrong ids passed to store")
			}
			return nil
		},
	}
	router := batchRouter(http.MethodDelete, "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(st))

	req := tenantRequest(t, http.MethodDelete, "/api/v1/admin/keys/"+keyID.String(), nil, tenantID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRevokeKeyHandler_NotFound(t *testing.T) {
	st := &mockKeyStore{
		revokeFn: func(_, _ uuid.UUID) error { return store.ErrNotFound },
	}
	router := batchRouter(http.MethodDelete, "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(st))

	req := tenantRequest(t, http.MethodDelete, "/api/v1/admin/keys/"+uuid.NewString(), nil, uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeErrCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestRevokeKeyHandler_InvalidUUID(t *testing.T) {
	st := &mockKeyStore{}
	router := batchRouter(http.MethodDelete, "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(st))

	req := tenantRequest(t, http.MethodDelete, "/api/v1/admin/keys/oops", nil, uuid.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
