package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/kvpk/internal/auth"
	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/indexstore"
	"github.com/devrev/kvpk/internal/kv"
	"github.com/devrev/kvpk/internal/validation"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandlers(t *testing.T) (*Handlers, *kv.Engine) {
	t.Helper()
	engine := kv.NewEngine(indexstore.NewMemoryStore(), validation.NewValidator(), nil, zap.NewNop(), kv.Options{})
	return NewHandlers(engine, kverrors.NewHandler(zap.NewNop()), zap.NewNop(), 1024), engine
}

func getRequest(target string, vars map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return mux.SetURLVars(req, vars)
}

func postRequest(tenant, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if tenant != "" {
		req = req.WithContext(auth.WithTenant(req.Context(), tenant))
	}
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) kverrors.ErrorResponse {
	t.Helper()
	var resp kverrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestGet(t *testing.T) {
	h, engine := newTestHandlers(t)
	require.NoError(t, engine.Set(context.Background(), "user1", "a/b", json.RawMessage(`{"x":1}`)))

	t.Run("present", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, getRequest("/get/user1/a%2Fb", map[string]string{"tenant": "user1", "key": "a%2Fb"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"key":"a/b","value":{"x":1}}`, w.Body.String())
	})

	t.Run("absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, getRequest("/get/user1/missing", map[string]string{"tenant": "user1", "key": "missing"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"key":"missing","value":null}`, w.Body.String())
	})

	t.Run("malformed escape", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, getRequest("/get/user1/x", map[string]string{"tenant": "user1", "key": "%zz"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	for _, segment := range []string{"%FF", "a%00b"} {
		t.Run("unstorable key "+segment, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Get(w, getRequest("/get/user1/x", map[string]string{"tenant": "user1", "key": segment}))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "Malformed path segment.", decodeError(t, w).Error)
		})
	}
}

func TestList(t *testing.T) {
	h, engine := newTestHandlers(t)
	ctx := context.Background()
	for _, k := range []string{"hello1", "hello2", "not-a-prefix"} {
		require.NoError(t, engine.Set(ctx, "user1", k, json.RawMessage(`"`+k+`"`)))
	}

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "all", wantCode: http.StatusOK, wantBody: `{"items":[{"key":"hello1","value":"hello1"},{"key":"hello2","value":"hello2"}]}`},
		{name: "limit", query: "?limit=1", wantCode: http.StatusOK, wantBody: `{"items":[{"key":"hello1","value":"hello1"}]}`},
		{name: "zero limit", query: "?limit=0", wantCode: http.StatusBadRequest},
		{name: "negative limit", query: "?limit=-1", wantCode: http.StatusBadRequest},
		{name: "non-numeric limit", query: "?limit=abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.List(w, getRequest("/list/user1/hello"+tt.query, map[string]string{"tenant": "user1", "prefix": "hello"}))

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}

	t.Run("empty result is an empty array", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.List(w, getRequest("/list/user2/hello", map[string]string{"tenant": "user2", "prefix": "hello"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"items":[]}`, w.Body.String())
	})
}

func TestReverse(t *testing.T) {
	h, engine := newTestHandlers(t)
	ctx := context.Background()
	require.NoError(t, engine.Set(ctx, "user1", "hello", json.RawMessage(`1`)))
	require.NoError(t, engine.Set(ctx, "user2", "hello", json.RawMessage(`2`)))
	require.NoError(t, engine.Set(ctx, "user3", "hello2", json.RawMessage(`3`)))

	w := httptest.NewRecorder()
	h.Reverse(w, getRequest("/reverse/hello", map[string]string{"key": "hello"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[{"tenant":"user1","value":1},{"tenant":"user2","value":2}]}`, w.Body.String())

	w = httptest.NewRecorder()
	h.Reverse(w, getRequest("/reverse/hello?limit=1", map[string]string{"key": "hello"}))
	var resp ReverseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
}

func TestSet(t *testing.T) {
	h, engine := newTestHandlers(t)
	ctx := context.Background()

	w := httptest.NewRecorder()
	h.Set(w, postRequest("user1", `{"key":"k","value":[1,2]}`))
	assert.Equal(t, http.StatusNoContent, w.Code)

	value, err := engine.Get(ctx, "user1", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(value))

	w = httptest.NewRecorder()
	h.Set(w, postRequest("user1", `{"key":"k","value":null}`))
	assert.Equal(t, http.StatusNoContent, w.Code)

	value, err = engine.Get(ctx, "user1", "k")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSet_Errors(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		body     string
		wantCode int
		wantErr  kverrors.ErrorCode
	}{
		{name: "malformed json", tenant: "u", body: `{"key":`, wantCode: http.StatusBadRequest, wantErr: kverrors.ErrorCodeBodyParse},
		{name: "trailing data", tenant: "u", body: `{"key":"k","value":1} {}`, wantCode: http.StatusBadRequest, wantErr: kverrors.ErrorCodeBodyParse},
		{name: "missing value", tenant: "u", body: `{"key":"k"}`, wantCode: http.StatusBadRequest, wantErr: kverrors.ErrorCodeValidation},
		{name: "empty key", tenant: "u", body: `{"key":"","value":1}`, wantCode: http.StatusBadRequest, wantErr: kverrors.ErrorCodeValidation},
		{name: "key too long", tenant: "u", body: `{"key":"` + strings.Repeat("k", 257) + `","value":1}`, wantCode: http.StatusBadRequest, wantErr: kverrors.ErrorCodeValidation},
		{name: "body too large", tenant: "u", body: `{"key":"k","value":"` + strings.Repeat("v", 2048) + `"}`, wantCode: http.StatusRequestEntityTooLarge, wantErr: kverrors.ErrorCodeBodyParse},
		{name: "no tenant", body: `{"key":"k","value":1}`, wantCode: http.StatusInternalServerError, wantErr: kverrors.ErrorCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandlers(t)
			w := httptest.NewRecorder()
			h.Set(w, postRequest(tt.tenant, tt.body))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, w).ErrorCode)
		})
	}
}

func TestSetMany(t *testing.T) {
	h, engine := newTestHandlers(t)
	ctx := context.Background()
	require.NoError(t, engine.Set(ctx, "user1", "gone", json.RawMessage(`1`)))

	w := httptest.NewRecorder()
	h.SetMany(w, postRequest("user1", `{"items":[{"key":"a","value":1},{"key":"b","value":"two"},{"key":"gone","value":null}]}`))
	assert.Equal(t, http.StatusNoContent, w.Code)

	entries, err := engine.List(ctx, "user1", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)

	for _, body := range []string{`{"items":[]}`, `{}`, `{"items":[{"key":"a"}]}`, `{"items":[{"value":1}]}`} {
		w := httptest.NewRecorder()
		h.SetMany(w, postRequest("user1", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestArrayInsertAndRemove(t *testing.T) {
	h, _ := newTestHandlers(t)

	w := httptest.NewRecorder()
	h.ArrayInsert(w, postRequest("user1", `{"key":"list","value":"a"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"list","value":["a"]}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ArrayInsert(w, postRequest("user1", `{"key":"list","value":"b","index":0}`))
	assert.JSONEq(t, `{"key":"list","value":["b","a"]}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ArrayInsert(w, postRequest("user1", `{"key":"list","value":"c","index":5}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Index is out of bounds.", decodeError(t, w).Error)

	w = httptest.NewRecorder()
	h.ArrayRemove(w, postRequest("user1", `{"key":"list","index":1}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"list","value":["b"]}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ArrayRemove(w, postRequest("user1", `{"key":"list","index":0}`))
	assert.JSONEq(t, `{"key":"list","value":[]}`, w.Body.String())
}

func TestArrayRemove_Errors(t *testing.T) {
	h, engine := newTestHandlers(t)
	require.NoError(t, engine.Set(context.Background(), "user1", "scalar", json.RawMessage(`5`)))

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{name: "missing key", body: `{"index":0}`, wantCode: http.StatusBadRequest, wantMsg: "Empty key."},
		{name: "missing index", body: `{"key":"list"}`, wantCode: http.StatusBadRequest, wantMsg: "Missing index."},
		{name: "absent key", body: `{"key":"nope","index":0}`, wantCode: http.StatusNotFound, wantMsg: "Key does not exist."},
		{name: "non-array", body: `{"key":"scalar","index":0}`, wantCode: http.StatusBadRequest, wantMsg: "Key has a non-array value."},
		{name: "fractional index", body: `{"key":"scalar","index":0.5}`, wantCode: http.StatusBadRequest, wantMsg: "Invalid request body."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ArrayRemove(w, postRequest("user1", tt.body))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, w).Error)
		})
	}
}

func TestWriteJSONResponse(t *testing.T) {
	h, _ := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.writeJSONResponse(w, http.StatusOK, map[string]int{"a": 1})

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte(`{"a":1}`)))
}

func TestGet_ETag(t *testing.T) {
	h, engine := newTestHandlers(t)
	ctx := context.Background()
	require.NoError(t, engine.Set(ctx, "user1", "k", json.RawMessage(`1`)))
	vars := map[string]string{"tenant": "user1", "key": "k"}

	w := httptest.NewRecorder()
	h.Get(w, getRequest("/get/user1/k", vars))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := getRequest("/get/user1/k", vars)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	h.Get(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	require.NoError(t, engine.Set(ctx, "user1", "k", json.RawMessage(`2`)))
	w = httptest.NewRecorder()
	h.Get(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, etag, w.Header().Get("ETag"))
}
