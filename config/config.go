package config

import (
	"net/http"
	"time"
)

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
}

// HTTPClientConfig holds HTTP client configuration
type HTTPClientConfig struct {
	MaxIdleConns            int
	MaxIdleConnsPerHost     int
	IdleConnTimeoutSeconds  int
	RequestTimeoutSeconds   int
	StreamingTimeoutSeconds int
	ReadTimeoutSeconds      int
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	IsDebugMode bool
}

// StoreConfig holds rotating-writer tuning (spec §6: DATA_DIR,
// MAX_RECORDS_PER_FILE, FLUSH_INTERVAL, FLUSH_BATCH).
type StoreConfig struct {
	DataDir           string
	MaxRecordsPerFile int
	FlushIntervalSecs int
	FlushBatch        int
}

// ProxyConfig holds proxy-forwarding tuning (spec §6: PROXY_TIMEOUT,
// PROXY_MAX_CONNECTIONS). MaxConnections caps the streaming client's
// connections per host. TimeoutSecs is loaded but not read by any client:
// the proxy's upstream timeout is HTTPClient.StreamingTimeoutSeconds.
type ProxyConfig struct {
	TimeoutSecs    int
	MaxConnections int
}

// RegistryConfig points at the default file-backed config registry.
type RegistryConfig struct {
	Path string
}

// CatalogConfig points at the default sqlite task catalog.
type CatalogConfig struct {
	Path string
}

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	HTTPClient HTTPClientConfig
	Logging    LoggingConfig
	Store      StoreConfig
	Proxy      ProxyConfig
	Registry   RegistryConfig
	Catalog    CatalogConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8143",
		},
		HTTPClient: HTTPClientConfig{
			MaxIdleConns:            50,
			MaxIdleConnsPerHost:     50,
			IdleConnTimeoutSeconds:  180,
			RequestTimeoutSeconds:   300,
			StreamingTimeoutSeconds: 900, // long-lived SSE calls
			ReadTimeoutSeconds:      45,
		},
		Logging: LoggingConfig{
			IsDebugMode: false,
		},
		Store: StoreConfig{
			DataDir:           "./data",
			MaxRecordsPerFile: 1000,
			FlushIntervalSecs: 5,
			FlushBatch:        10,
		},
		Proxy: ProxyConfig{
			TimeoutSecs:    300,
			MaxConnections: 500,
		},
		Registry: RegistryConfig{
			Path: "./data/registry.json",
		},
		Catalog: CatalogConfig{
			Path: "./data/tasks.db",
		},
	}
}

// SharedHTTPClient creates and returns a shared HTTP client with the configured settings
func (c *Config) SharedHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        c.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost: c.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(c.HTTPClient.IdleConnTimeoutSeconds) * time.Second,
	}

	return &http.Client{
		Timeout:   time.Duration(c.HTTPClient.RequestTimeoutSeconds) * time.Second,
		Transport: transport,
	}
}

// StreamingHTTPClient creates and returns an HTTP client for streaming with the configured settings
func (c *Config) StreamingHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        c.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost: c.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(c.HTTPClient.IdleConnTimeoutSeconds) * time.Second,
		MaxConnsPerHost:     c.Proxy.MaxConnections,
	}
	return &http.Client{
		Timeout:   time.Duration(c.HTTPClient.StreamingTimeoutSeconds) * time.Second,
		Transport: transport,
	}
}
