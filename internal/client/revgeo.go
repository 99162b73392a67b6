package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spotterfit/location-sync-service/internal/observability"
)

// Address holds the parts a reverse-geocode lookup can resolve for a
// coordinate pair.
type Address struct {
	City        string
	DisplayName string
	State       string
	CountryCode string
	ZipCode     string
}

// ReverseGeocoder resolves a coordinate pair to address parts. GPS fixes
// carry no address data, so acquisition runs them through this before
// normalization.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (Address, error)
}

// NominatimGeocoder implements ReverseGeocoder against a Nominatim-compatible
// reverse endpoint.
type NominatimGeocoder struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewNominatimGeocoder creates a geocoder for the given reverse endpoint.
func NewNominatimGeocoder(endpoint string, timeout time.Duration) *NominatimGeocoder {
	return &NominatimGeocoder{
		url:     endpoint,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// nominatimResponse is the subset of the Nominatim reverse JSON we read.
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		State       string `json:"state"`
		CountryCode string `json:"country_code"`
		Postcode    string `json:"postcode"`
	} `json:"address"`
}

// Reverse resolves lat/lng to address parts. City falls back through the
// town and village fields for smaller municipalities.
func (g *NominatimGeocoder) Reverse(ctx context.Context, lat, lng float64) (Address, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	u, err := url.Parse(g.url)
	if err != nil {
		return Address{}, fmt.Errorf("invalid geocoder URL: %w", err)
	}
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("reverse_geocode", "error").Inc()
		return Address{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("reverse_geocode", "error").Inc()
		observability.UpstreamCallDuration.WithLabelValues("reverse_geocode", "error").Observe(time.Since(start).Seconds())
		return Address{}, fmt.Errorf("reverse geocode failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("reverse_geocode", status).Inc()
	observability.UpstreamCallDuration.WithLabelValues("reverse_geocode", status).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return Address{}, fmt.Errorf("reverse geocode failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Address{}, fmt.Errorf("read response body: %w", err)
	}
	var apiResp nominatimResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Address{}, fmt.Errorf("parse response: %w", err)
	}

	city := apiResp.Address.City
	if city == "" {
		city = apiResp.Address.Town
	}
	if city == "" {
		city = apiResp.Address.Village
	}
	return Address{
		City:        city,
		DisplayName: apiResp.DisplayName,
		State:       apiResp.Address.State,
		CountryCode: apiResp.Address.CountryCode,
		ZipCode:     apiResp.Address.Postcode,
	}, nil
}
