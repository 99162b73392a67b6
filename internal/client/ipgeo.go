package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spotterfit/location-sync-service/internal/circuitbreaker"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/observability"
)

// ErrIPLookupFailed is returned when the IP-geolocation provider cannot
// resolve the caller's position.
var ErrIPLookupFailed = errors.New("ip geolocation lookup failed")

// IPLocator resolves the device's approximate position from its public IP.
type IPLocator interface {
	Locate(ctx context.Context) (normalize.Raw, error)
}

// IPAPILocator implements IPLocator against an ip-api.com-compatible endpoint.
type IPAPILocator struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewIPAPILocator creates an IPAPILocator for the given endpoint.
func NewIPAPILocator(url string, timeout time.Duration) *IPAPILocator {
	return &IPAPILocator{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetCircuitBreaker installs a breaker on lookups.
func (l *IPAPILocator) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	l.breaker = cb
}

// ipAPIResponse is the ip-api.com JSON shape.
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	City        string  `json:"city"`
	RegionName  string  `json:"regionName"`
	CountryCode string  `json:"countryCode"`
	Zip         string  `json:"zip"`
}

// Locate queries the provider and returns a raw location with source
// ip-geolocation. Normalization derives low accuracy for this source.
func (l *IPAPILocator) Locate(ctx context.Context) (normalize.Raw, error) {
	var raw normalize.Raw
	do := func() error {
		var err error
		raw, err = l.locate(ctx)
		return err
	}
	if l.breaker != nil {
		if err := l.breaker.Call(ctx, do); err != nil {
			return normalize.Raw{}, err
		}
		return raw, nil
	}
	if err := do(); err != nil {
		return normalize.Raw{}, err
	}
	return raw, nil
}

func (l *IPAPILocator) locate(ctx context.Context) (normalize.Raw, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.url, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("ip_lookup", "error").Inc()
		return normalize.Raw{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("ip_lookup", "error").Inc()
		observability.UpstreamCallDuration.WithLabelValues("ip_lookup", "error").Observe(time.Since(start).Seconds())
		return normalize.Raw{}, fmt.Errorf("%w: %v", ErrIPLookupFailed, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("ip_lookup", status).Inc()
	observability.UpstreamCallDuration.WithLabelValues("ip_lookup", status).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return normalize.Raw{}, fmt.Errorf("%w: HTTP %d", ErrIPLookupFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return normalize.Raw{}, fmt.Errorf("read response body: %w", err)
	}
	var apiResp ipAPIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return normalize.Raw{}, fmt.Errorf("parse response: %w", err)
	}
	if apiResp.Status != "" && apiResp.Status != "success" {
		return normalize.Raw{}, fmt.Errorf("%w: %s", ErrIPLookupFailed, apiResp.Message)
	}

	return normalize.Raw{
		Lat:     apiResp.Lat,
		Lng:     apiResp.Lon,
		City:    apiResp.City,
		State:   apiResp.RegionName,
		Country: apiResp.CountryCode,
		ZipCode: apiResp.Zip,
		Source:  string(models.SourceIPLookup),
	}, nil
}
