//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spotterfit/location-sync-service/internal/acquire"
	"github.com/spotterfit/location-sync-service/internal/cache"
	"github.com/spotterfit/location-sync-service/internal/observability"
	"github.com/spotterfit/location-sync-service/internal/proximity"
	"github.com/spotterfit/location-sync-service/internal/service"
	testhelpers "github.com/spotterfit/location-sync-service/internal/testhelpers"
	"github.com/spotterfit/location-sync-service/internal/traffic"
)

var integrationLogger *zap.Logger

func init() {
	var err error
	integrationLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationHandler builds a handler over a real backend client and the
// configured store. Returns the handler and a cleanup function.
func setupIntegrationHandler(t *testing.T) (*Handler, func()) {
	cfg := testhelpers.GetIntegrationConfig(t)
	st, cleanup := testhelpers.SetupIntegrationStore(t, cfg)
	backend := testhelpers.SetupIntegrationBackend(t, cfg)

	acquirer := acquire.New(st, nil, nil, nil, integrationLogger)
	controller := proximity.New(st, backend, proximity.Config{}, integrationLogger)
	userCache := cache.New("users", backend.ListMapUsers, time.Minute, integrationLogger)
	gymCache := cache.New("gyms", backend.ListGyms, time.Minute, integrationLogger)
	nearby := service.New(st, userCache, gymCache, integrationLogger)

	healthCfg := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 80,
		RateLimitRPS:         100,
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
		StartTime:            time.Now(),
		BackendPing: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return backend.Ping(pingCtx)
		},
	}
	handler := NewHandler(st, acquirer, controller, nearby, traffic.NewTracker(), healthCfg, integrationLogger)
	return handler, cleanup
}

// makeIntegrationRequest sends a request through the full middleware stack.
func makeIntegrationRequest(t *testing.T, handler *Handler, limiter *rate.Limiter, tracker *traffic.Tracker, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(integrationLogger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	api := router.PathPrefix("/").Subrouter()
	api.Use(RateLimitMiddleware(limiter, tracker))
	api.HandleFunc("/location", handler.GetLocation).Methods("GET")
	api.HandleFunc("/location", handler.PutLocation).Methods("PUT")
	api.HandleFunc("/location/sync", handler.PostSync).Methods("POST")
	api.HandleFunc("/nearby/users", handler.GetNearbyUsers).Methods("GET")
	api.HandleFunc("/nearby/gyms", handler.GetNearbyGyms).Methods("GET")

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestIntegration_PutGetLocation_RoundTrip verifies the manual entry flow
// end to end through the configured store backend.
func TestIntegration_PutGetLocation_RoundTrip(t *testing.T) {
	handler, cleanup := setupIntegrationHandler(t)
	defer cleanup()
	tracker := traffic.NewTracker()

	put := makeIntegrationRequest(t, handler, nil, tracker, "PUT", "/location",
		`{"lat":45.5017,"lng":-73.5673,"city":"Montreal"}`)
	if put.Code != http.StatusOK {
		t.Fatalf("PUT /location status = %d, want 200. Body: %s", put.Code, put.Body.String())
	}

	get := makeIntegrationRequest(t, handler, nil, tracker, "GET", "/location", "")
	if get.Code != http.StatusOK {
		t.Fatalf("GET /location status = %d, want 200. Body: %s", get.Code, get.Body.String())
	}
	var loc locationResponse
	if err := json.NewDecoder(get.Body).Decode(&loc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if loc.City != "Montreal" {
		t.Errorf("City = %q, want Montreal", loc.City)
	}
}

// TestIntegration_GetHealth_FullStack verifies the health endpoint with real
// dependency pings.
func TestIntegration_GetHealth_FullStack(t *testing.T) {
	handler, cleanup := setupIntegrationHandler(t)
	defer cleanup()

	w := makeIntegrationRequest(t, handler, nil, traffic.NewTracker(), "GET", "/health", "")
	if w.Code != http.StatusOK && w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want 200 or 503. Body: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	status, ok := resp["status"].(string)
	if !ok {
		t.Fatal("health response missing status")
	}
	valid := []string{"healthy", "degraded", "idle", "overloaded", "shutting-down"}
	found := false
	for _, v := range valid {
		if status == v {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("status = %q, want one of %v", status, valid)
	}
	if _, ok := resp["syncState"]; !ok {
		t.Error("health response missing syncState")
	}
}

// TestIntegration_Metrics_Format verifies the metrics endpoint exposes the
// service's counters in Prometheus text format.
func TestIntegration_Metrics_Format(t *testing.T) {
	handler, cleanup := setupIntegrationHandler(t)
	defer cleanup()
	tracker := traffic.NewTracker()

	makeIntegrationRequest(t, handler, nil, tracker, "GET", "/location", "")

	w := makeIntegrationRequest(t, handler, nil, tracker, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, metric := range []string{"httpRequestsTotal", "locationPushesTotal", "entityCacheFetchesTotal"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

// TestIntegration_RateLimiting_Enforcement verifies denial of requests over
// the limit and the denial metric.
func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	handler, cleanup := setupIntegrationHandler(t)
	defer cleanup()

	burst := 5
	limiter := rate.NewLimiter(rate.Limit(2), burst)
	tracker := traffic.NewTracker()

	denied := 0
	for i := 0; i < burst+10; i++ {
		w := makeIntegrationRequest(t, handler, limiter, tracker, "GET", "/location", "")
		if w.Code == http.StatusTooManyRequests {
			denied++
			var resp map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&resp); err == nil {
				if errObj, ok := resp["error"].(map[string]interface{}); ok {
					if errObj["code"] != "RATE_LIMITED" {
						t.Errorf("error code = %v, want RATE_LIMITED", errObj["code"])
					}
				}
			}
		}
	}
	if denied == 0 {
		t.Fatal("no requests were rate limited, but some should be")
	}
	if tracker.DenialCount(time.Minute) == 0 {
		t.Error("tracker recorded no denials")
	}

	w := makeIntegrationRequest(t, handler, nil, tracker, "GET", "/metrics", "")
	if !strings.Contains(w.Body.String(), "rateLimitDeniedTotal") {
		t.Error("metrics output missing rateLimitDeniedTotal")
	}
}
