package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/acquire"
	"github.com/spotterfit/location-sync-service/internal/lifecycle"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/proximity"
	"github.com/spotterfit/location-sync-service/internal/service"
	"github.com/spotterfit/location-sync-service/internal/store"
	"github.com/spotterfit/location-sync-service/internal/traffic"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// BackendPing, when set, is called to check backend reachability.
	BackendPing func() error
	// StorePing, when set, is called to check the store backend. Set when
	// the store runs on memcached.
	StorePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store            *store.Store
	acquirer         *acquire.Acquirer
	controller       *proximity.Controller
	nearby           *service.NearbyService
	tracker          *traffic.Tracker
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	st *store.Store,
	acquirer *acquire.Acquirer,
	controller *proximity.Controller,
	nearby *service.NearbyService,
	tracker *traffic.Tracker,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:        st,
		acquirer:     acquirer,
		controller:   controller,
		nearby:       nearby,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// locationResponse is the wire shape of a stored location.
type locationResponse struct {
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

func toLocationResponse(loc models.Location) locationResponse {
	return locationResponse{
		Lat: loc.Lat, Lng: loc.Lng,
		City: loc.City, Address: loc.Address,
		State: loc.State, Country: loc.Country, ZipCode: loc.ZipCode,
		Source: string(loc.Source), Accuracy: string(loc.Accuracy),
		Timestamp: loc.Timestamp,
	}
}

// GetLocation handles GET /location.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.store.Current(r.Context())
	if !ok {
		h.tracker.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "NO_LOCATION", "no stored location")
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, toLocationResponse(loc))
}

// putLocationRequest is the manual-entry body. Coordinates accept numbers or
// numeric strings.
type putLocationRequest struct {
	Lat     any    `json:"lat"`
	Lng     any    `json:"lng"`
	City    string `json:"city"`
	Address string `json:"address"`
	State   string `json:"state"`
	Country string `json:"country"`
	ZipCode string `json:"zipCode"`
}

// PutLocation handles PUT /location (manual entry).
func (h *Handler) PutLocation(w http.ResponseWriter, r *http.Request) {
	var body putLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}

	loc := normalize.Normalize(normalize.Raw{
		Lat: body.Lat, Lng: body.Lng,
		City: body.City, Address: body.Address,
		State: body.State, Country: body.Country, ZipCode: body.ZipCode,
		Source: string(models.SourceManual),
	})

	saved, err := h.store.Save(r.Context(), loc)
	if err != nil {
		if errors.Is(err, store.ErrIncomplete) {
			h.tracker.RecordError()
			writeError(w, r, http.StatusUnprocessableEntity, "INCOMPLETE_LOCATION",
				"location needs valid coordinates and a real city name")
			return
		}
		h.tracker.RecordError()
		writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, toLocationResponse(saved))
}

// PostAcquire handles POST /location/acquire: runs the fallback chain.
func (h *Handler) PostAcquire(w http.ResponseWriter, r *http.Request) {
	loc, err := h.acquirer.BestLocation(r.Context())
	if err != nil {
		if errors.Is(err, acquire.ErrManualEntryRequired) {
			h.tracker.RecordSuccess()
			writeError(w, r, http.StatusUnprocessableEntity, "MANUAL_ENTRY_REQUIRED",
				"no automatic location source available")
			return
		}
		h.tracker.RecordError()
		writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, toLocationResponse(loc))
}

// PostSync handles POST /location/sync (force sync).
func (h *Handler) PostSync(w http.ResponseWriter, r *http.Request) {
	out, err := h.controller.ForceSync(r.Context())
	if err != nil {
		h.tracker.RecordError()
		writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()

	resp := map[string]any{
		"pushed": out.Pushed,
	}
	if out.SkipReason != "" {
		resp["skipReason"] = out.SkipReason
	}
	if out.Pushed {
		resp["syncedAt"] = out.Ack.SyncedAt
		resp["nearbyGyms"] = out.Ack.NearbyGyms
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseQuery reads the shared nearby-search parameters.
func parseQuery(r *http.Request) service.Query {
	q := service.Query{
		Text: r.URL.Query().Get("q"),
	}
	if v := r.URL.Query().Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.RadiusKm = f
		}
	}
	if v := r.URL.Query().Get("min_rating"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MinRating = f
		}
	}
	if v := r.URL.Query().Get("max_rating"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MaxRating = f
		}
	}
	q.Category = r.URL.Query().Get("category")
	q.Goal = r.URL.Query().Get("goal")
	q.Refresh = r.URL.Query().Get("refresh") == "true"
	return q
}

// GetNearbyUsers handles GET /nearby/users.
func (h *Handler) GetNearbyUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.nearby.NearbyUsers(r.Context(), parseQuery(r))
	if err != nil {
		h.writeNearbyError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

// GetNearbyGyms handles GET /nearby/gyms.
func (h *Handler) GetNearbyGyms(w http.ResponseWriter, r *http.Request) {
	gyms, err := h.nearby.NearbyGyms(r.Context(), parseQuery(r))
	if err != nil {
		h.writeNearbyError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]any{"gyms": gyms, "count": len(gyms)})
}

func (h *Handler) writeNearbyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrNoLocation) {
		h.tracker.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "NO_LOCATION",
			"a stored location is required before searching nearby")
		return
	}
	h.tracker.RecordError()
	writeServiceError(w, r, err)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if h.healthConfig != nil && h.healthConfig.BackendPing != nil {
		if h.healthConfig.BackendPing() == nil {
			checks["backend"] = "healthy"
		} else {
			checks["backend"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing() == nil {
			checks["store"] = "healthy"
		} else {
			checks["store"] = "unhealthy"
		}
	}

	resp := map[string]any{
		"status":    result.status,
		"service":   "location-sync-service",
		"version":   "dev",
		"syncState": h.controller.State().String(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > overloaded > idle > degraded
// > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	// Overloaded: request volume exceeds the configured share of rate-limit
	// capacity over the window.
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(h.tracker.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}

	// Idle: sustained low traffic after the minimum lifespan.
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if h.tracker.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}

	// Degraded: error rate over the window breaches the threshold.
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := h.tracker.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}

	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes a 503 for upstream or store failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to complete the operation")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}
