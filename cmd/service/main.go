package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spotterfit/location-sync-service/internal/acquire"
	"github.com/spotterfit/location-sync-service/internal/cache"
	"github.com/spotterfit/location-sync-service/internal/circuitbreaker"
	"github.com/spotterfit/location-sync-service/internal/client"
	"github.com/spotterfit/location-sync-service/internal/config"
	httphandler "github.com/spotterfit/location-sync-service/internal/http"
	"github.com/spotterfit/location-sync-service/internal/lifecycle"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/observability"
	"github.com/spotterfit/location-sync-service/internal/proximity"
	"github.com/spotterfit/location-sync-service/internal/service"
	"github.com/spotterfit/location-sync-service/internal/store"
	"github.com/spotterfit/location-sync-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	backend, err := client.NewHTTPBackendWithRetry(
		cfg.BackendAPIKey,
		cfg.BackendURL,
		cfg.BackendTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("backend client", zap.Error(err))
	}
	backend.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		Component: "backend",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker transition",
				zap.String("component", "backend"),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}))

	ipLocator := client.NewIPAPILocator(cfg.IPGeoURL, cfg.IPGeoTimeout)
	ipLocator.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		Component: "ip_geo",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker transition",
				zap.String("component", "ip_geo"),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}))
	geocoder := client.NewNominatimGeocoder(cfg.RevGeoURL, cfg.RevGeoTimeout)

	var device client.DeviceGateway
	if cfg.DeviceAgentURL != "" {
		device = client.NewHTTPDeviceGateway(cfg.DeviceAgentURL)
		logger.Info("device positioning agent enabled", zap.String("url", cfg.DeviceAgentURL))
	}

	var kv store.KV
	var memcacheCloser *store.MemcachedKV
	switch cfg.StoreBackend {
	case "memcached":
		mc, err := store.NewMemcachedKV(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached store", zap.Error(err))
		}
		memcacheCloser = mc
		kv = mc
		logger.Info("store backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		kv = store.NewMemoryKV()
		logger.Info("store backend: in_memory")
	}
	locationStore := store.New(kv, logger)

	acquirer := acquire.New(locationStore, ipLocator, device, geocoder, logger)
	controller := proximity.New(locationStore, backend, proximity.Config{
		Cooldown:          cfg.SyncCooldown,
		Interval:          cfg.SyncInterval,
		MovementThreshold: cfg.SyncMovementThresholdM,
	}, logger)

	userCache := cache.New("users", func(ctx context.Context) ([]models.MapUser, error) {
		return backend.ListMapUsers(ctx)
	}, cfg.EntityCacheTTL, logger)
	gymCache := cache.New("gyms", func(ctx context.Context) ([]models.Gym, error) {
		return backend.ListGyms(ctx)
	}, cfg.EntityCacheTTL, logger)
	nearby := service.New(locationStore, userCache, gymCache, logger)

	tracker := traffic.NewTracker()
	observability.RegisterRateLimitGauges(tracker, cfg.OverloadWindow)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
		BackendPing: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return backend.Ping(pingCtx)
		},
	}
	if memcacheCloser != nil {
		healthConfig.StorePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(locationStore, acquirer, controller, nearby, tracker, healthConfig, logger)

	if cfg.WarmOnStart {
		warmer := cache.NewWarmer(map[string]cache.Warmable{
			"users": userCache,
			"gyms":  gymCache,
		}, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoSyncEnabled {
		controller.StartAutoSync(rootCtx)
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/").Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter, tracker))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/location", handler.GetLocation).Methods("GET")
	api.HandleFunc("/location", handler.PutLocation).Methods("PUT")
	api.HandleFunc("/location/acquire", handler.PostAcquire).Methods("POST")
	api.HandleFunc("/location/sync", handler.PostSync).Methods("POST")
	api.HandleFunc("/nearby/users", handler.GetNearbyUsers).Methods("GET")
	api.HandleFunc("/nearby/gyms", handler.GetNearbyGyms).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	controller.StopAutoSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
