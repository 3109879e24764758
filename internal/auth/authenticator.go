// Package auth verifies bearer tokens against the external identity service
// and resolves them to the tenant a request acts for.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/metrics"
	"go.uber.org/zap"
)

// maxUpstreamBody bounds how much of an identity service response is read.
const maxUpstreamBody = 64 << 10

// Authenticator resolves a bearer token to a tenant identifier.
type Authenticator interface {
	// Verify returns the tenant the token was issued for. Rejections are
	// *errors.KVError values carrying the status to answer with.
	Verify(ctx context.Context, token, audience string) (string, error)
}

// PFPKClient verifies tokens with a PFPK auth endpoint.
type PFPKClient struct {
	endpoint   *url.URL
	role       string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

type pfpkAuthResponse struct {
	UUID string `json:"uuid"`
}

type pfpkErrorResponse struct {
	Error string `json:"error"`
}

// NewPFPKClient creates a client for the auth endpoint at rawURL. Tokens are
// checked for role.
func NewPFPKClient(rawURL, role string, httpClient *http.Client, m *metrics.Metrics, logger *zap.Logger) (*PFPKClient, error) {
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid auth url %q: %w", rawURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &PFPKClient{
		endpoint:   endpoint,
		role:       role,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Verify implements Authenticator.
func (c *PFPKClient) Verify(ctx context.Context, token, audience string) (string, error) {
	tenant, err := c.verify(ctx, token, audience)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kverrors.GetCode(err) == kverrors.ErrorCodeAuth {
			outcome = "rejected"
		}
	}
	c.metrics.RecordAuthVerification(outcome)

	return tenant, err
}

func (c *PFPKClient) verify(ctx context.Context, token, audience string) (string, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("audience", audience)
	q.Set("role", c.role)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", kverrors.Internal("Failed to build auth request.", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Auth request failed", zap.String("endpoint", c.endpoint.Redacted()), zap.Error(err))
		return "", kverrors.UpstreamAuth("Failed to reach the authentication service.", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return "", kverrors.UpstreamAuth("Failed to read the authentication response.", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed pfpkAuthResponse
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.UUID == "" {
			return "", kverrors.UpstreamAuth("Expected UUID in response but got none.", err)
		}
		return parsed.UUID, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return "", kverrors.Unauthorized(upstreamMessage(resp, body), resp.StatusCode)

	default:
		c.logger.Warn("Unexpected auth response",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 512)))
		return "", kverrors.UpstreamAuth(
			fmt.Sprintf("Unexpected upstream error: status=%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)), nil).
			WithDetail("upstream_status", resp.StatusCode)
	}
}

// upstreamMessage extracts the error message of a rejection, falling back to
// a description of the raw response.
func upstreamMessage(resp *http.Response, body []byte) string {
	var parsed pfpkErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	return fmt.Sprintf("Unknown error: status=%d statusText=%s body=%s", resp.StatusCode, statusText, string(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
