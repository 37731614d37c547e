package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keygatedb/keygate/internal/clock"
	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/ratelimit"
	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret  = "test-secret-for-jwt-integration-tests"
	testSigningKey = "test-credential-signing-key"
	testPassword   = "supersecretpassword"
	testAdminName  = "Test Admin"
)

var testStart = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server *Server
	db     *store.SQL
	mem    *store.Memory
	auth   *service.Auth
	keys   *service.Keys
	clock  *clock.Fake
}

// newTestEnv creates a fresh test environment with an in-memory SQLite
// key store, a memory counter store, and a fully wired Server.
func newTestEnv(t *testing.T, rules []model.RateLimitRule) *testEnv {
	t.Helper()

	db, err := store.NewSQLite("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := credential.NewCodec([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("credential.NewCodec: %v", err)
	}

	mem := store.NewMemory()
	limiter, err := ratelimit.NewManager(mem, rules, ratelimit.DefaultPenaltyPolicy(), nil)
	if err != nil {
		t.Fatalf("ratelimit.NewManager: %v", err)
	}

	clk := clock.NewFake(testStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSvc := service.NewAuth(db, testJWTSecret)
	keysSvc := service.NewKeys(db, codec, clk)
	decideSvc := service.NewDecision(db, codec, limiter, clk, false, logger)

	cfg := DefaultConfig()
	srv := New(cfg, decideSvc, keysSvc, authSvc, rules, map[string]Pinger{"keystore": db}, logger)

	return &testEnv{
		server: srv,
		db:     db,
		mem:    mem,
		auth:   authSvc,
		keys:   keysSvc,
		clock:  clk,
	}
}

// seedAdmin creates a default admin account.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	admin, err := e.auth.CreateAdmin(context.Background(), "admin@example.com", testPassword, testAdminName)
	if err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// adminToken logs in as the default admin and returns the JWT token string.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// createKey mints an API key through the admin API and returns the
// record plus the one-time secret.
func (e *testEnv) createKey(t *testing.T, token string, params map[string]interface{}) (*model.APIKey, string) {
	t.Helper()
	rr := e.doAuth(t, "POST", "/api/v1/system/api-key", jsonBody(t, params), token)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		Key    *model.APIKey `json:"key"`
		Secret string        `json:"secret"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Key == nil || resp.Secret == "" {
		t.Fatalf("createKey: incomplete response: %+v", resp)
	}
	return resp.Key, resp.Secret
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using the admin JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func defaultRules() []model.RateLimitRule {
	return []model.RateLimitRule{{
		ID:        "per-key",
		Scope:     model.ScopePerAPIKey,
		Algorithm: model.FixedWindow,
		Capacity:  5,
		Window:    time.Minute,
	}}
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Checks["keystore"] != "ok" {
		t.Errorf("keystore check = %q, want ok", resp.Checks["keystore"])
	}
}

// brokenPinger always fails, standing in for an unreachable backend.
type brokenPinger struct{}

func (brokenPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestReadyzDegraded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.backends["redis"] = brokenPinger{}

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)

	var resp struct {
		Status string `json:"status"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

// ---------------------------------------------------------------------------
// Admin login tests
// ---------------------------------------------------------------------------

func TestAdminLogin_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token     string `json:"session_token"`
		TokenType string `json:"token_type"`
		ExpiresIn int    `json:"expires_in"`
		Email     string `json:"email"`
		Name      string `json:"name"`
	}
	decodeJSON(t, rr, &resp)

	if resp.Token == "" {
		t.Error("expected non-empty session_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want bearer", resp.TokenType)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}
	if resp.Name != testAdminName {
		t.Errorf("name = %q, want %q", resp.Name, testAdminName)
	}
}

func TestAdminLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrongpassword",
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/system/admin/session",
		jsonBody(t, map[string]string{"email": "admin@example.com"}), nil)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/api/v1/system/admin/session",
		jsonBody(t, map[string]string{"password": testPassword}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestSystemEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/system/api-key"},
		{"POST", "/api/v1/system/api-key"},
		{"DELETE", "/api/v1/system/api-key/ak_x"},
		{"POST", "/api/v1/system/admin"},
		{"GET", "/api/v1/system/limits"},
	} {
		rr := env.do(t, tc.method, tc.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, rr.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// API key management tests
// ---------------------------------------------------------------------------

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAdmin(t)
	token := env.adminToken(t)

	key, secret := env.createKey(t, token, map[string]interface{}{
		"label":  "integration",
		"scopes": []string{"read"},
	})
	if key.Status != model.StatusActive {
		t.Errorf("status = %s, want active", key.Status)
	}
	if secret == "" {
		t.Fatal("no secret returned")
	}

	// List includes the new key.
	rr := env.doAuth(t, "GET", "/api/v1/system/api-key", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Keys  []model.APIKey `json:"keys"`
		Count int            `json:"count"`
	}
	decodeJSON(t, rr, &list)
	if list.Count != 1 || len(list.Keys) != 1 {
		t.Fatalf("list count = %d, want 1", list.Count)
	}

	// Deactivate, then activate again.
	rr = env.doAuth(t, "POST", "/api/v1/system/api-key/"+key.KeyID+"/deactivate", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var got model.APIKey
	decodeJSON(t, rr, &got)
	if got.Status != model.StatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}

	rr = env.doAuth(t, "POST", "/api/v1/system/api-key/"+key.KeyID+"/activate", nil, token)
	assertStatus(t, rr, http.StatusOK)

	// Revoke is terminal: activating afterwards conflicts.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/api-key/"+key.KeyID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", "/api/v1/system/api-key/"+key.KeyID+"/activate", nil, token)
	assertStatus(t, rr, http.StatusConflict)
}

func TestAPIKeyNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "GET", "/api/v1/system/api-key/ak_missing", nil, token)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestAPIKeyRotateOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAdmin(t)
	token := env.adminToken(t)

	key, _ := env.createKey(t, token, map[string]interface{}{"label": "rotate-me"})

	rr := env.doAuth(t, "POST", "/api/v1/system/api-key/"+key.KeyID+"/rotate",
		jsonBody(t, map[string]string{"grace": "1h"}), token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Key    *model.APIKey `json:"key"`
		Secret string        `json:"secret"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Key.RotatedFrom != key.KeyID {
		t.Errorf("rotated_from = %q, want %q", resp.Key.RotatedFrom, key.KeyID)
	}
	if resp.Secret == "" {
		t.Error("no replacement secret")
	}

	// The old record now carries the grace cap.
	rr = env.doAuth(t, "GET", "/api/v1/system/api-key/"+key.KeyID, nil, token)
	assertStatus(t, rr, http.StatusOK)
	var old model.APIKey
	decodeJSON(t, rr, &old)
	if old.GraceUntil == nil {
		t.Error("old key has no grace_until")
	}
}

func TestListLimits(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "GET", "/api/v1/system/limits", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

// ---------------------------------------------------------------------------
// Decision endpoint tests
// ---------------------------------------------------------------------------

func TestDecideEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	env.seedAdmin(t)
	token := env.adminToken(t)
	key, secret := env.createKey(t, token, map[string]interface{}{"label": "decide"})

	decide := func(body map[string]string) model.Decision {
		rr := env.do(t, "POST", "/api/v1/decide", jsonBody(t, body), nil)
		assertStatus(t, rr, http.StatusOK)
		var d model.Decision
		decodeJSON(t, rr, &d)
		return d
	}

	// Five requests within capacity.
	for i := 0; i < 5; i++ {
		d := decide(map[string]string{"key_id": key.KeyID, "secret": secret})
		if !d.Allowed {
			t.Fatalf("request %d denied: %+v", i+1, d)
		}
	}

	// The sixth is rate limited.
	d := decide(map[string]string{"key_id": key.KeyID, "secret": secret})
	if d.Allowed {
		t.Fatal("sixth request allowed over capacity 5")
	}
	if d.Reason != model.ReasonRateLimited {
		t.Errorf("reason = %q, want rate_limited", d.Reason)
	}
	if d.StatusHint != http.StatusTooManyRequests {
		t.Errorf("status_hint = %d, want 429", d.StatusHint)
	}

	// Wrong secret is a credential denial, not a rate-limit one.
	d = decide(map[string]string{"key_id": key.KeyID, "secret": "sk_wrong"})
	if d.Reason != model.ReasonInvalidCredential {
		t.Errorf("reason = %q, want invalid_credential", d.Reason)
	}
}

func TestDecideEndpointValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/decide", jsonBody(t, map[string]string{"key_id": "ak_x"}), nil)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/api/v1/decide", bytes.NewBufferString("{not json"), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// OpenAPI endpoint tests
// ---------------------------------------------------------------------------

func TestOpenAPIEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
	}
	decodeJSON(t, rr, &doc)
	if doc.OpenAPI == "" {
		t.Error("missing openapi version")
	}
	if _, ok := doc.Paths["/api/v1/decide"]; !ok {
		t.Error("document missing the decide path")
	}
}
