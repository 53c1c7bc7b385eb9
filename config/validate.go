package config

import (
	"github.com/teranos/ferry/errors"
)

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside a pipeline.
func (c *Config) Validate() error {
	if c.API.ServiceAccountUsername != "" && c.API.ProjectID == 0 {
		return errors.New("project_id required for service account authentication")
	}
	if c.Pools.ReadSize < 1 {
		return errors.Newf("pools.read_size must be at least 1, got %d", c.Pools.ReadSize)
	}
	if c.Pools.WriteSize < 0 {
		return errors.Newf("pools.write_size must not be negative, got %d", c.Pools.WriteSize)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Import.BatchSize < 1 {
		return errors.Newf("import.batch_size must be at least 1, got %d", c.Import.BatchSize)
	}
	if c.Import.InFlightMultiplier < 1 {
		return errors.Newf("import.in_flight_multiplier must be at least 1, got %d", c.Import.InFlightMultiplier)
	}
	if c.Version.PollIntervalSeconds < 1 {
		return errors.Newf("version.poll_interval_seconds must be at least 1, got %d", c.Version.PollIntervalSeconds)
	}
	return nil
}

// RequireToken returns an error when a write operation is attempted without
// a project token configured.
func (c *Config) RequireToken() error {
	if c.API.Token == "" {
		return errors.WithHint(
			errors.New("project token required for import and mutation operations"),
			"set api.token in ferry.toml or FERRY_API_TOKEN in the environment")
	}
	return nil
}
