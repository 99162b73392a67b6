//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/client"
	"github.com/spotterfit/location-sync-service/internal/observability"
	"github.com/spotterfit/location-sync-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	StoreBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if BACKEND_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("BACKEND_API_KEY")
	if apiKey == "" {
		t.Skip("BACKEND_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("BACKEND_URL")
	if apiURL == "" {
		apiURL = "http://localhost:5000"
	}

	storeBackend := os.Getenv("INTEGRATION_STORE_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		StoreBackend:  storeBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationStore creates a location store against the configured
// backend. Falls back to in-memory when memcached is unreachable. Returns the
// store and a cleanup function.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) (*store.Store, func()) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	if cfg.StoreBackend == "memcached" {
		mc, err := store.NewMemcachedKV(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			t.Logf("Using memcached store at %s", cfg.MemcachedAddr)
			return store.New(mc, logger), func() { _ = mc.Close() }
		}
		t.Logf("Memcached not available, using in-memory store")
	}
	return store.New(store.NewMemoryKV(), logger), func() {}
}

// SetupIntegrationBackend creates a backend client for integration tests.
func SetupIntegrationBackend(t *testing.T, cfg IntegrationTestConfig) client.Backend {
	backend, err := client.NewHTTPBackend(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPBackend() error = %v", err)
	}
	return backend
}

// NopLogger returns a logger that discards everything, for tests that need
// one but assert nothing about logging.
func NopLogger() *zap.Logger {
	return zap.NewNop()
}
