package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/kvpk/internal/config"
	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/health"
	"github.com/devrev/kvpk/internal/indexstore"
	"github.com/devrev/kvpk/internal/kv"
	"github.com/devrev/kvpk/internal/metrics"
	"github.com/devrev/kvpk/internal/mocks"
	"github.com/devrev/kvpk/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	handler http.Handler
	authn   *mocks.MockAuthenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	store := indexstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	engine := kv.NewEngine(store, validation.NewValidator(), m, zap.NewNop(), kv.Options{})
	authn := &mocks.MockAuthenticator{}

	s := NewServer(cfg, engine, authn, health.NewHealthCheck(store, m, zap.NewNop()), m, zap.NewNop())
	s.SetupRoutes()

	return &testServer{handler: s.GetHandler(), authn: authn}
}

func (ts *testServer) do(method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) allow(token, tenant string) {
	ts.authn.On("Verify", mock.Anything, token, "example.com").Return(tenant, nil)
}

func TestServer_SetGetListReverse(t *testing.T) {
	ts := newTestServer(t)
	ts.allow("tok1", "user1")
	ts.allow("tok2", "user2")

	for _, body := range []string{
		`{"key":"hello1","value":"a"}`,
		`{"key":"hello2","value":"b"}`,
		`{"key":"not-a-prefix","value":"c"}`,
	} {
		w := ts.do(http.MethodPost, "/set", "tok1", body)
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	}
	w := ts.do(http.MethodPost, "/set", "tok2", `{"key":"hello1","value":"z"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodGet, "/get/user1/hello1", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"hello1","value":"a"}`, w.Body.String())

	w = ts.do(http.MethodGet, "/list/user1/hello", "", "")
	assert.JSONEq(t, `{"items":[{"key":"hello1","value":"a"},{"key":"hello2","value":"b"}]}`, w.Body.String())

	w = ts.do(http.MethodGet, "/reverse/hello1", "", "")
	assert.JSONEq(t, `{"items":[{"tenant":"user1","value":"a"},{"tenant":"user2","value":"z"}]}`, w.Body.String())

	w = ts.do(http.MethodGet, "/reverse/hello1?limit=1", "", "")
	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)

	w = ts.do(http.MethodPost, "/set", "tok1", `{"key":"hello1","value":null}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodGet, "/get/user1/hello1", "", "")
	assert.JSONEq(t, `{"key":"hello1","value":null}`, w.Body.String())
	w = ts.do(http.MethodGet, "/reverse/hello1", "", "")
	assert.JSONEq(t, `{"items":[{"tenant":"user2","value":"z"}]}`, w.Body.String())
}

func TestServer_EncodedSlashInKey(t *testing.T) {
	ts := newTestServer(t)
	ts.allow("tok", "user1")

	w := ts.do(http.MethodPost, "/set", "tok", `{"key":"a/b","value":1}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodGet, "/get/user1/a%2Fb", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"a/b","value":1}`, w.Body.String())
}

func TestServer_Arrays(t *testing.T) {
	ts := newTestServer(t)
	ts.allow("tok", "user1")

	w := ts.do(http.MethodPost, "/arrayInsert", "tok", `{"key":"l","value":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"l","value":[1]}`, w.Body.String())

	w = ts.do(http.MethodPost, "/arrayRemove", "tok", `{"key":"l","index":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/arrayRemove", "tok", `{"key":"missing","index":0}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_AuthIsCheckedBeforeBody(t *testing.T) {
	ts := newTestServer(t)
	ts.authn.On("Verify", mock.Anything, "bad", "example.com").
		Return("", kverrors.Unauthorized("Token expired", http.StatusUnauthorized))

	w := ts.do(http.MethodPost, "/set", "", `not json`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/set", "bad", `not json`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp kverrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Token expired", resp.Error)
}

func TestServer_NotFoundAndMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp kverrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Not found", resp.Error)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = ts.do(http.MethodGet, "/set", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_Preflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/set", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "3600", w.Header().Get("Access-Control-Max-Age"))
	ts.authn.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/ready", "", "").Code)
}
