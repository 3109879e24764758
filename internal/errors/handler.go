package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler provides error handling functionality.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	kvErr := FromError(err)
	statusCode := kvErr.HTTPStatus()
	requestID := r.Header.Get("X-Request-ID")

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("error_code", string(kvErr.Code)),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	h.WriteErrorResponse(w, statusCode, kvErr.Code, kvErr.PublicMessage(), requestID)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Error:     message,
		ErrorCode: errorCode,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteNotFound writes the catch-all response for unknown routes.
func (h *Handler) WriteNotFound(w http.ResponseWriter, r *http.Request) {
	h.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeRouteNotFound, "Not found", r.Header.Get("X-Request-ID"))
}

// WriteMethodNotAllowed writes the response for a known path with the wrong method.
func (h *Handler) WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.WriteErrorResponse(w, http.StatusMethodNotAllowed, ErrorCodeMethodNotAllow, "Method not allowed", r.Header.Get("X-Request-ID"))
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Retry-After", "1")
	h.WriteErrorResponse(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "Rate limit exceeded.", requestID)
}
