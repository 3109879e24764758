package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type seenRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
}

func newUpstream(t *testing.T, status int, body string) (*httptest.Server, *seenRequest) {
	t.Helper()
	seen := &seenRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.query = r.URL.Query()
		seen.header = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newClient(t *testing.T, rawURL string) *PFPKClient {
	t.Helper()
	c, err := NewPFPKClient(rawURL, "admin", &http.Client{Timeout: 2 * time.Second}, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestPFPKClient_Success(t *testing.T) {
	srv, seen := newUpstream(t, http.StatusOK, `{"uuid":"tenant-1"}`)
	c := newClient(t, srv.URL+"/auth")

	tenant, err := c.Verify(context.Background(), "tok", "kv.example.com")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenant)

	assert.Equal(t, http.MethodGet, seen.method)
	assert.Equal(t, "/auth", seen.path)
	assert.Equal(t, "kv.example.com", seen.query.Get("audience"))
	assert.Equal(t, "admin", seen.query.Get("role"))
	assert.Equal(t, "Bearer tok", seen.header.Get("Authorization"))
}

func TestPFPKClient_Responses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   kverrors.ErrorCode
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "401 passes through",
			status:     http.StatusUnauthorized,
			body:       `{"error":"Token expired"}`,
			wantCode:   kverrors.ErrorCodeAuth,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "Token expired",
		},
		{
			name:       "404 passes through",
			status:     http.StatusNotFound,
			body:       `{"error":"No such audience"}`,
			wantCode:   kverrors.ErrorCodeAuth,
			wantStatus: http.StatusNotFound,
			wantMsg:    "No such audience",
		},
		{
			name:       "401 without error field",
			status:     http.StatusUnauthorized,
			body:       `{"reason":"nope"}`,
			wantCode:   kverrors.ErrorCodeAuth,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    `Unknown error: status=401 statusText=Unauthorized body={"reason":"nope"}`,
		},
		{
			name:       "412 becomes 500",
			status:     http.StatusPreconditionFailed,
			body:       `{"error":"role missing"}`,
			wantCode:   kverrors.ErrorCodeUpstreamAuth,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Unexpected upstream error: status=412 Precondition Failed",
		},
		{
			name:       "503 becomes 500",
			status:     http.StatusServiceUnavailable,
			body:       ``,
			wantCode:   kverrors.ErrorCodeUpstreamAuth,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Unexpected upstream error: status=503 Service Unavailable",
		},
		{
			name:       "2xx without uuid",
			status:     http.StatusOK,
			body:       `{}`,
			wantCode:   kverrors.ErrorCodeUpstreamAuth,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Expected UUID in response but got none.",
		},
		{
			name:       "2xx with malformed body",
			status:     http.StatusOK,
			body:       `not json`,
			wantCode:   kverrors.ErrorCodeUpstreamAuth,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Expected UUID in response but got none.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newUpstream(t, tt.status, tt.body)
			c := newClient(t, srv.URL)

			tenant, err := c.Verify(context.Background(), "tok", "aud")
			require.Error(t, err)
			assert.Empty(t, tenant)

			kvErr := kverrors.FromError(err)
			assert.Equal(t, tt.wantCode, kvErr.Code)
			assert.Equal(t, tt.wantStatus, kvErr.HTTPStatus())
			assert.Equal(t, tt.wantMsg, kvErr.PublicMessage())
		})
	}
}

func TestPFPKClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newClient(t, addr)
	_, err := c.Verify(context.Background(), "tok", "aud")
	require.Error(t, err)

	kvErr := kverrors.FromError(err)
	assert.Equal(t, kverrors.ErrorCodeUpstreamAuth, kvErr.Code)
	assert.Equal(t, http.StatusInternalServerError, kvErr.HTTPStatus())
}

func TestNewPFPKClient_InvalidURL(t *testing.T) {
	_, err := NewPFPKClient("://bad", "admin", nil, nil, zap.NewNop())
	assert.Error(t, err)
}
