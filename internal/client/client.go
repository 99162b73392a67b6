package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/spotterfit/location-sync-service/internal/circuitbreaker"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/observability"
)

// Backend is the partner-matching backend API surface this service consumes.
type Backend interface {
	PushLocation(ctx context.Context, loc models.Location) (models.SyncAck, error)
	ListMapUsers(ctx context.Context) ([]models.MapUser, error)
	ListGyms(ctx context.Context) ([]models.Gym, error)
	Ping(ctx context.Context) error
}

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// HTTPBackend implements Backend over the backend's JSON API with retry,
// exponential backoff, and an optional circuit breaker on the push path.
type HTTPBackend struct {
	baseURL        string
	apiKey         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewHTTPBackend creates a backend client with default retry settings.
func NewHTTPBackend(apiKey, baseURL string, timeout time.Duration) (*HTTPBackend, error) {
	return NewHTTPBackendWithRetry(apiKey, baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewHTTPBackendWithRetry creates a backend client with explicit retry settings.
func NewHTTPBackendWithRetry(apiKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*HTTPBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrUnauthorized)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	return &HTTPBackend{
		baseURL:        baseURL,
		apiKey:         apiKey,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client:         &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker installs a breaker on the location-push path.
func (c *HTTPBackend) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// pushPayload is the wire shape of a location push.
type pushPayload struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	City      string    `json:"city"`
	Address   string    `json:"address"`
	State     string    `json:"state,omitempty"`
	Country   string    `json:"country,omitempty"`
	ZipCode   string    `json:"zipCode,omitempty"`
	Source    string    `json:"source"`
	Accuracy  string    `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type syncResponse struct {
	Accepted   bool      `json:"accepted"`
	SyncedAt   time.Time `json:"syncedAt"`
	NearbyGyms []rawGym  `json:"nearbyGyms"`
}

// PushLocation sends the normalized location to the backend location-update
// endpoint and returns its acknowledgement with nearby-gym suggestions.
func (c *HTTPBackend) PushLocation(ctx context.Context, loc models.Location) (models.SyncAck, error) {
	payload := pushPayload{
		Lat: loc.Lat, Lng: loc.Lng,
		City: loc.City, Address: loc.Address,
		State: loc.State, Country: loc.Country, ZipCode: loc.ZipCode,
		Source: string(loc.Source), Accuracy: string(loc.Accuracy),
		Timestamp: loc.Timestamp,
	}
	var resp syncResponse
	do := func() error {
		return c.withRetry(ctx, "push_location", func(ctx context.Context) error {
			return c.doJSON(ctx, "push_location", http.MethodPost, "/api/users/location", payload, &resp)
		})
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, do)
	} else {
		err = do()
	}
	if err != nil {
		return models.SyncAck{}, err
	}
	ack := models.SyncAck{Accepted: resp.Accepted, SyncedAt: resp.SyncedAt}
	for _, g := range resp.NearbyGyms {
		ack.NearbyGyms = append(ack.NearbyGyms, g.project())
	}
	return ack, nil
}

type usersResponse struct {
	Users []rawUser `json:"users"`
}

// ListMapUsers fetches the map-user collection, projected to flat coordinates.
func (c *HTTPBackend) ListMapUsers(ctx context.Context) ([]models.MapUser, error) {
	var resp usersResponse
	err := c.withRetry(ctx, "list_users", func(ctx context.Context) error {
		return c.doJSON(ctx, "list_users", http.MethodGet, "/api/map/users", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	users := make([]models.MapUser, 0, len(resp.Users))
	for _, u := range resp.Users {
		users = append(users, u.project())
	}
	return users, nil
}

type gymsResponse struct {
	Gyms []rawGym `json:"gyms"`
}

// ListGyms fetches the gym collection, projected to flat coordinates.
func (c *HTTPBackend) ListGyms(ctx context.Context) ([]models.Gym, error) {
	var resp gymsResponse
	err := c.withRetry(ctx, "list_gyms", func(ctx context.Context) error {
		return c.doJSON(ctx, "list_gyms", http.MethodGet, "/api/map/gyms", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	gyms := make([]models.Gym, 0, len(resp.Gyms))
	for _, g := range resp.Gyms {
		gyms = append(gyms, g.project())
	}
	return gyms, nil
}

// Ping checks backend reachability. Used by the health handler.
func (c *HTTPBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.doJSON(ctx, "ping", http.MethodGet, "/api/health", nil, &struct{}{})
}

// withRetry runs fn up to retryAttempts times with exponential backoff and
// jitter, retrying only transient failures.
func (c *HTTPBackend) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(op).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "connection")
}

func (c *HTTPBackend) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// doJSON performs one request/response cycle with metrics and typed status
// errors. out must be a pointer; a nil body sends no payload.
func (c *HTTPBackend) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(op, "error").Inc()
		observability.UpstreamCallDuration.WithLabelValues(op, "error").Observe(duration)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(op, status).Inc()
	observability.UpstreamCallDuration.WithLabelValues(op, status).Observe(duration)

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, code)
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if code >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}
