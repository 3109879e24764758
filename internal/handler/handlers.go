// Package handler provides HTTP request handlers for the KV service.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/kvpk/internal/auth"
	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/kv"
	"github.com/devrev/kvpk/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine       *kv.Engine
	arrays       *kv.ArrayMutator
	errorHandler *kverrors.Handler
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *kv.Engine, errorHandler *kverrors.Handler, logger *zap.Logger, maxBodyBytes int64) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handlers{
		engine:       engine,
		arrays:       kv.NewArrayMutator(engine),
		errorHandler: errorHandler,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// GetResponse is the body of a get or array response.
type GetResponse struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// ListResponse is the body of a list response.
type ListResponse struct {
	Items []kv.Entry `json:"items"`
}

// ReverseResponse is the body of a reverse lookup response.
type ReverseResponse struct {
	Items []kv.TenantEntry `json:"items"`
}

// SetRequest is the body of POST /set.
type SetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// SetManyRequest is the body of POST /setMany.
type SetManyRequest struct {
	Items []SetRequest `json:"items"`
}

// ArrayInsertRequest is the body of POST /arrayInsert.
type ArrayInsertRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Index *int            `json:"index"`
}

// ArrayRemoveRequest is the body of POST /arrayRemove.
type ArrayRemoveRequest struct {
	Key   string `json:"key"`
	Index *int   `json:"index"`
}

// Get handles GET /get/{tenant}/{key}.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	tenant, err := pathVar(r, "tenant")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	key, err := pathVar(r, "key")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	value, err := h.engine.Get(r.Context(), tenant, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeCacheableJSON(w, r, GetResponse{Key: key, Value: value})
}

// List handles GET /list/{tenant}/{prefix}?limit=.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	tenant, err := pathVar(r, "tenant")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	prefix, err := pathVar(r, "prefix")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	entries, err := h.engine.List(r.Context(), tenant, prefix, limit)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []kv.Entry{}
	}

	h.writeCacheableJSON(w, r, ListResponse{Items: entries})
}

// Reverse handles GET /reverse/{key}?limit=.
func (h *Handlers) Reverse(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	entries, err := h.engine.Reverse(r.Context(), key, limit)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []kv.TenantEntry{}
	}

	h.writeCacheableJSON(w, r, ReverseResponse{Items: entries})
}

// Set handles POST /set. A null value deletes the key.
func (h *Handlers) Set(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req SetRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if err := h.engine.Write(r.Context(), tenant, req.Key, req.Value); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetMany handles POST /setMany.
func (h *Handlers) SetMany(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req SetManyRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	items := make([]validation.BatchItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = validation.BatchItem{Key: item.Key, Value: item.Value}
	}

	if err := h.engine.SetMany(r.Context(), tenant, items); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ArrayInsert handles POST /arrayInsert.
func (h *Handlers) ArrayInsert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req ArrayInsertRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	arr, err := h.arrays.Insert(r.Context(), tenant, req.Key, req.Value, req.Index)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, GetResponse{Key: req.Key, Value: arr})
}

// ArrayRemove handles POST /arrayRemove.
func (h *Handlers) ArrayRemove(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req ArrayRemoveRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.Key == "" {
		h.errorHandler.HandleError(w, r, kverrors.Validation("Empty key."))
		return
	}
	if req.Index == nil {
		h.errorHandler.HandleError(w, r, kverrors.Validation("Missing index."))
		return
	}

	arr, err := h.arrays.Remove(r.Context(), tenant, req.Key, *req.Index)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, GetResponse{Key: req.Key, Value: arr})
}

// tenant returns the tenant resolved by the auth middleware.
func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.errorHandler.HandleError(w, r, kverrors.Internal("Request reached a protected handler without a tenant.", nil))
		return "", false
	}
	return tenant, true
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return kverrors.BodyParse(err).WithStatus(http.StatusRequestEntityTooLarge)
		}
		return kverrors.BodyParse(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return kverrors.BodyParse(errors.New("unexpected data after JSON body"))
	}
	return nil
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeCacheableJSON writes a 200 response tagged with a content hash, or a
// bare 304 when the client already holds that representation.
func (h *Handlers) writeCacheableJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		h.errorHandler.HandleError(w, r, kverrors.Internal("Failed to encode response.", err))
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// pathVar returns the unescaped value of a route variable. Routes are matched
// on the encoded path so that escaped slashes stay inside one segment.
func pathVar(r *http.Request, name string) (string, error) {
	raw := mux.Vars(r)[name]
	value, err := url.PathUnescape(raw)
	if err != nil || !utf8.ValidString(value) || strings.ContainsRune(value, 0) {
		return "", kverrors.Validation("Malformed path segment.").WithDetail("segment", name)
	}
	return value, nil
}

// parseLimit reads the optional limit query parameter. Absent means no limit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, kverrors.Validation("Limit must be a positive integer.").WithDetail("limit", raw)
	}
	return limit, nil
}
