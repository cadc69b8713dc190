package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/session-gateway/internal/dto"
	"github.com/noah-isme/session-gateway/pkg/config"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

// Endpoint identifies a credential service endpoint for throttling and metrics.
type Endpoint string

const (
	EndpointLogin   Endpoint = "login"
	EndpointRefresh Endpoint = "refresh"
	EndpointVerify  Endpoint = "verify"
	EndpointLogout  Endpoint = "logout"
	EndpointCSRF    Endpoint = "csrf"
)

var endpointPaths = map[Endpoint]string{
	EndpointLogin:   "/token/",
	EndpointRefresh: "/token/refresh/",
	EndpointVerify:  "/token/verify/",
	EndpointLogout:  "/logout/",
	EndpointCSRF:    "/get-csrf-token/",
}

// ResultKind classifies a completed credential service response.
type ResultKind string

const (
	ResultSuccess      ResultKind = "success"
	ResultUnauthorized ResultKind = "unauthorized"
	ResultClientError  ResultKind = "client_error"
	ResultServerError  ResultKind = "server_error"
)

const (
	maxResponseBody       = 1 << 20
	genericClientErrorMsg = "an unexpected error occurred"
)

// CallResult is the classified outcome of one call. Transport failures are
// reported as an error wrapping ErrNetworkFailure instead.
type CallResult struct {
	Kind    ResultKind
	Status  int
	Payload json.RawMessage
	Message string
}

// Decode unmarshals the success payload into dst.
func (r CallResult) Decode(dst interface{}) error {
	if len(bytes.TrimSpace(r.Payload)) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Payload, dst)
}

// CredentialClientOption customises a CredentialClient.
type CredentialClientOption func(*CredentialClient)

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) CredentialClientOption {
	return func(c *CredentialClient) {
		if client != nil {
			c.client = client
		}
	}
}

// CredentialClient talks to the credential service. Every call passes through
// the per-endpoint throttle before dispatch.
type CredentialClient struct {
	baseURL      string
	referer      string
	apiKey       string
	apiKeyHeader string
	client       *http.Client
	throttle     *EndpointThrottle
	metrics      *MetricsService
	logger       *zap.Logger

	csrfFlight  singleflight.Group
	csrfMu      sync.Mutex
	csrfToken   string
	csrfRetryAt time.Time
}

// NewCredentialClient constructs a client from backend configuration.
func NewCredentialClient(cfg config.BackendConfig, throttle *EndpointThrottle, metrics *MetricsService, logger *zap.Logger, opts ...CredentialClientOption) *CredentialClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	c := &CredentialClient{
		baseURL:      cfg.URL(),
		apiKey:       cfg.APIKey,
		apiKeyHeader: header,
		client:       &http.Client{Timeout: timeout},
		throttle:     throttle,
		metrics:      metrics,
		logger:       logger,
	}
	if cfg.HTTPS {
		c.referer = strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token pair.
func (c *CredentialClient) Login(ctx context.Context, email, password string) (CallResult, error) {
	return c.call(ctx, EndpointLogin, "", dto.CredentialLoginRequest{Email: email, Password: password})
}

// Refresh exchanges a refresh token for a new pair.
func (c *CredentialClient) Refresh(ctx context.Context, refreshToken string) (CallResult, error) {
	return c.call(ctx, EndpointRefresh, "", dto.CredentialRefreshRequest{Refresh: refreshToken})
}

// Verify asks the credential service whether an access token is still accepted.
func (c *CredentialClient) Verify(ctx context.Context, accessToken string) (CallResult, error) {
	return c.call(ctx, EndpointVerify, "", dto.CredentialVerifyRequest{Token: accessToken})
}

// Logout revokes the refresh token server side.
func (c *CredentialClient) Logout(ctx context.Context, accessToken, refreshToken string) (CallResult, error) {
	return c.call(ctx, EndpointLogout, accessToken, dto.CredentialRefreshRequest{Refresh: refreshToken})
}

// FetchCSRFToken retrieves a fresh CSRF token and caches it for later calls.
func (c *CredentialClient) FetchCSRFToken(ctx context.Context) (string, error) {
	result, err := c.do(ctx, EndpointCSRF, http.MethodGet, "", nil, false)
	if err != nil {
		return "", err
	}
	if result.Kind != ResultSuccess {
		return "", fmt.Errorf("csrf bootstrap failed with status %d", result.Status)
	}

	var payload dto.CredentialCSRFResponse
	if err := result.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode csrf token: %w", err)
	}
	if payload.CSRFToken == "" {
		return "", errors.New("csrf token missing from response")
	}

	c.csrfMu.Lock()
	c.csrfToken = payload.CSRFToken
	c.csrfMu.Unlock()
	return payload.CSRFToken, nil
}

func (c *CredentialClient) call(ctx context.Context, endpoint Endpoint, accessToken string, body interface{}) (CallResult, error) {
	return c.do(ctx, endpoint, http.MethodPost, accessToken, body, true)
}

func (c *CredentialClient) do(ctx context.Context, endpoint Endpoint, method, accessToken string, body interface{}, withCSRF bool) (CallResult, error) {
	var csrf string
	if withCSRF {
		csrf = c.ensureCSRF(ctx)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return CallResult{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode credential request")
		}
		reader = bytes.NewReader(raw)
	}

	if _, err := c.throttle.Wait(ctx, endpoint); err != nil {
		return CallResult{}, c.networkFailure(endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpointPaths[endpoint], reader)
	if err != nil {
		return CallResult{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "build credential request")
	}
	c.applyHeaders(req, accessToken, csrf, body != nil)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveBackendCall(endpoint, "network_failure", duration)
		return CallResult{}, c.networkFailure(endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.metrics.ObserveBackendCall(endpoint, "network_failure", duration)
		return CallResult{}, c.networkFailure(endpoint, err)
	}

	result := classify(resp.StatusCode, raw)
	c.metrics.ObserveBackendCall(endpoint, string(result.Kind), duration)
	c.logger.Debug("credential call completed",
		zap.String("endpoint", string(endpoint)),
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", string(result.Kind)),
		zap.Duration("duration", duration),
	)
	return result, nil
}

func (c *CredentialClient) applyHeaders(req *http.Request, accessToken, csrf string, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if csrf != "" {
		req.Header.Set("X-CSRFToken", csrf)
		req.Header.Set("Cookie", "csrftoken="+csrf)
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
}

// ensureCSRF returns the cached CSRF token, fetching it when none is cached.
// A failed fetch is retried no sooner than one csrf throttle interval later;
// calls in between proceed without the header.
func (c *CredentialClient) ensureCSRF(ctx context.Context) string {
	c.csrfMu.Lock()
	token, retryAt := c.csrfToken, c.csrfRetryAt
	c.csrfMu.Unlock()
	if token != "" || time.Now().Before(retryAt) {
		return token
	}

	ch := c.csrfFlight.DoChan(string(EndpointCSRF), func() (interface{}, error) {
		token, err := c.FetchCSRFToken(context.WithoutCancel(ctx))
		if err != nil {
			c.csrfMu.Lock()
			c.csrfRetryAt = time.Now().Add(c.throttle.Interval())
			c.csrfMu.Unlock()
		}
		return token, err
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			c.logger.Debug("csrf fetch failed", zap.Error(out.Err))
			return ""
		}
		return out.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

func (c *CredentialClient) networkFailure(endpoint Endpoint, err error) error {
	c.logger.Warn("credential service unreachable",
		zap.String("endpoint", string(endpoint)),
		zap.Error(err),
	)
	return appErrors.Wrap(err, appErrors.ErrNetworkFailure.Code, appErrors.ErrNetworkFailure.Status, appErrors.ErrNetworkFailure.Message)
}

func classify(status int, body []byte) CallResult {
	result := CallResult{Status: status}
	switch {
	case status >= 200 && status < 300:
		result.Kind = ResultSuccess
		result.Payload = json.RawMessage(body)
	case status == http.StatusUnauthorized:
		result.Kind = ResultUnauthorized
	case status >= 400 && status < 500:
		result.Kind = ResultClientError
		result.Message = clientErrorMessage(body)
	default:
		result.Kind = ResultServerError
	}
	return result
}

// clientErrorMessage pulls a human readable message out of a 4xx body. The
// service reports errors under "errors", "error" or "detail" as a string, a
// list of strings, or a map of field to messages.
func clientErrorMessage(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return genericClientErrorMsg
	}
	for _, key := range []string{"errors", "error", "detail", "message"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if msg := flattenMessage(raw); msg != "" {
			return msg
		}
	}
	return genericClientErrorMsg
}

func flattenMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}

	var byField map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byField); err == nil {
		keys := make([]string, 0, len(byField))
		for k := range byField {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if msg := flattenMessage(byField[k]); msg != "" {
				parts = append(parts, k+": "+msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
