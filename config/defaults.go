package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.eu", false)
	v.SetDefault("api.request_timeout_seconds", 120)  // per-call deadline, retries included
	v.SetDefault("api.export_timeout_seconds", 1200)  // raw export requests run long

	// Pool defaults
	v.SetDefault("pools.write_size", 0) // 0 = 2 x GOMAXPROCS
	v.SetDefault("pools.read_size", 2)
	v.SetDefault("pools.acquire_timeout_seconds", 30)
	v.SetDefault("pools.read_requests_per_minute", 60)
	v.SetDefault("pools.write_requests_per_minute", 120)

	// Retry defaults
	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)

	// Import defaults
	v.SetDefault("import.batch_size", 30000)
	v.SetDefault("import.max_batch_bytes", 9<<20) // stay under the remote body cap
	v.SetDefault("import.in_flight_multiplier", 2)
	v.SetDefault("import.invalid_record_file", "invalid_records.jsonl")

	// Export defaults
	v.SetDefault("export.page_prefetch", 2)
	v.SetDefault("export.increment_days", 1)
	v.SetDefault("export.timezone_offset", 0)

	// Version polling defaults
	v.SetDefault("version.poll_interval_seconds", 60)
}
