// Package config holds ferry's runtime configuration, loaded with Viper from
// a TOML file with FERRY_* environment overrides. Pool state and retry policy
// are carried in explicit config objects handed to each pipeline; there are
// no process-wide mutable singletons beyond the cached load.
package config

import (
	"runtime"
	"time"
)

// Config is the root configuration for ferry.
type Config struct {
	API     APIConfig     `mapstructure:"api" toml:"api"`
	Pools   PoolsConfig   `mapstructure:"pools" toml:"pools"`
	Retry   RetryConfig   `mapstructure:"retry" toml:"retry"`
	Import  ImportConfig  `mapstructure:"import" toml:"import"`
	Export  ExportConfig  `mapstructure:"export" toml:"export"`
	Version VersionConfig `mapstructure:"version" toml:"version"`
}

// APIConfig carries credentials and endpoints for the Records API.
type APIConfig struct {
	Secret                 string `mapstructure:"secret" toml:"secret"`
	Token                  string `mapstructure:"token" toml:"token"`
	ServiceAccountUsername string `mapstructure:"service_account_username" toml:"service_account_username"`
	ProjectID              int64  `mapstructure:"project_id" toml:"project_id"`
	EU                     bool   `mapstructure:"eu" toml:"eu"`

	// RequestTimeoutSeconds is the overall per-request deadline; retry
	// scheduling never extends past it.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" toml:"request_timeout_seconds"`
	// ExportTimeoutSeconds applies to raw event-export requests, which can
	// run far longer than ordinary calls.
	ExportTimeoutSeconds int `mapstructure:"export_timeout_seconds" toml:"export_timeout_seconds"`

	// Endpoint overrides, for routing through a proxy. Empty selects the
	// standard regional endpoints.
	RawExportURLOverride string `mapstructure:"raw_export_url" toml:"raw_export_url,omitempty"`
	ImportURLOverride    string `mapstructure:"import_url" toml:"import_url,omitempty"`
	QueryURLOverride     string `mapstructure:"query_url" toml:"query_url,omitempty"`
}

// PoolsConfig sizes the read and write connection pools. Read traffic
// (export/query) and write traffic (import/mutation) have different
// remote-side rate ceilings, so each gets its own pool.
type PoolsConfig struct {
	WriteSize             int `mapstructure:"write_size" toml:"write_size"`
	ReadSize              int `mapstructure:"read_size" toml:"read_size"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds" toml:"acquire_timeout_seconds"`
	ReadRequestsPerMin    int `mapstructure:"read_requests_per_minute" toml:"read_requests_per_minute"`
	WriteRequestsPerMin   int `mapstructure:"write_requests_per_minute" toml:"write_requests_per_minute"`
}

// RetryConfig bounds the retrying request executor.
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries" toml:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" toml:"max_delay_ms"`
}

// ImportConfig bounds batch accumulation and in-flight dispatch.
type ImportConfig struct {
	BatchSize          int    `mapstructure:"batch_size" toml:"batch_size"`
	MaxBatchBytes      int    `mapstructure:"max_batch_bytes" toml:"max_batch_bytes"`
	InFlightMultiplier int    `mapstructure:"in_flight_multiplier" toml:"in_flight_multiplier"`
	InvalidRecordFile  string `mapstructure:"invalid_record_file" toml:"invalid_record_file"`
}

// ExportConfig tunes the streaming export pipeline.
type ExportConfig struct {
	PagePrefetch int `mapstructure:"page_prefetch" toml:"page_prefetch"`
	// IncrementDays sizes event export date chunks.
	IncrementDays int `mapstructure:"increment_days" toml:"increment_days"`
	// TimezoneOffset is the remote project's UTC offset in hours, used to
	// shift exported event timestamps back to UTC.
	TimezoneOffset float64 `mapstructure:"timezone_offset" toml:"timezone_offset"`
}

// VersionConfig tunes resource-version polling.
type VersionConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`
}

// WritePoolSize resolves the write pool size, defaulting to twice the
// available parallelism when unset.
func (p PoolsConfig) WritePoolSize() int {
	if p.WriteSize > 0 {
		return p.WriteSize
	}
	return runtime.GOMAXPROCS(0) * 2
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (p PoolsConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request deadline as a duration.
func (a APIConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// ExportTimeout returns the raw-export deadline as a duration.
func (a APIConfig) ExportTimeout() time.Duration {
	return time.Duration(a.ExportTimeoutSeconds) * time.Second
}

// BaseDelay returns the first backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// PollInterval returns the version polling interval as a duration.
func (v VersionConfig) PollInterval() time.Duration {
	return time.Duration(v.PollIntervalSeconds) * time.Second
}

// RawExportURL returns the base URL for the streaming event-export API.
func (a APIConfig) RawExportURL() string {
	if a.RawExportURLOverride != "" {
		return a.RawExportURLOverride
	}
	if a.EU {
		return "https://data-eu.example-analytics.com/api"
	}
	return "https://data.example-analytics.com/api"
}

// ImportURL returns the base URL for the import/update API.
func (a APIConfig) ImportURL() string {
	if a.ImportURLOverride != "" {
		return a.ImportURLOverride
	}
	if a.EU {
		return "https://api-eu.example-analytics.com"
	}
	return "https://api.example-analytics.com"
}

// QueryURL returns the base URL for the formatted query API.
func (a APIConfig) QueryURL() string {
	if a.QueryURLOverride != "" {
		return a.QueryURLOverride
	}
	if a.EU {
		return "https://eu.example-analytics.com/api"
	}
	return "https://example-analytics.com/api"
}
