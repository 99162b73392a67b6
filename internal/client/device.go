package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/observability"
)

// Geolocation fix errors, one per failure class the positioning agent reports.
var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrFixTimeout          = errors.New("geolocation fix timed out")
)

// fixTimeout bounds how long a GPS fix may take. A fix that has not
// resolved by then will not resolve; callers fall through to weaker sources.
const fixTimeout = 10 * time.Second

// DeviceGateway obtains a fresh position fix from the positioning agent.
type DeviceGateway interface {
	Fix(ctx context.Context) (normalize.Raw, error)
}

// HTTPDeviceGateway implements DeviceGateway against a local positioning
// agent that fronts the device's GPS hardware.
type HTTPDeviceGateway struct {
	url    string
	client *http.Client
}

// NewHTTPDeviceGateway creates a gateway for the given agent endpoint.
func NewHTTPDeviceGateway(url string) *HTTPDeviceGateway {
	return &HTTPDeviceGateway{
		url:    url,
		client: &http.Client{Timeout: fixTimeout},
	}
}

// fixResponse is the positioning agent's JSON shape.
type fixResponse struct {
	Status         string  `json:"status"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracyMeters"`
}

// Fix requests a position fix and maps agent failure states to typed errors.
// The fix carries coordinates only; callers reverse-geocode for address data.
func (g *HTTPDeviceGateway) Fix(ctx context.Context) (normalize.Raw, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, fixTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, g.url, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("device_fix", "error").Inc()
		return normalize.Raw{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("device_fix", "error").Inc()
		observability.UpstreamCallDuration.WithLabelValues("device_fix", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return normalize.Raw{}, ErrFixTimeout
		}
		return normalize.Raw{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("device_fix", status).Inc()
	observability.UpstreamCallDuration.WithLabelValues("device_fix", status).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return normalize.Raw{}, fmt.Errorf("%w: HTTP %d", ErrPositionUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return normalize.Raw{}, fmt.Errorf("read response body: %w", err)
	}
	var apiResp fixResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return normalize.Raw{}, fmt.Errorf("parse response: %w", err)
	}

	switch apiResp.Status {
	case "ok":
	case "denied":
		return normalize.Raw{}, ErrPermissionDenied
	case "unavailable":
		return normalize.Raw{}, ErrPositionUnavailable
	case "timeout":
		return normalize.Raw{}, ErrFixTimeout
	default:
		return normalize.Raw{}, fmt.Errorf("%w: unknown status %q", ErrPositionUnavailable, apiResp.Status)
	}

	return normalize.Raw{
		Lat:       apiResp.Lat,
		Lng:       apiResp.Lng,
		AccuracyM: apiResp.AccuracyMeters,
		Source:    string(models.SourceGPS),
	}, nil
}
