// Package commands wires the ferry CLI: each command builds the pipeline it
// needs from the shared configuration-driven stack.
package commands

import (
	"github.com/teranos/ferry/api"
	"github.com/teranos/ferry/config"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/export"
	"github.com/teranos/ferry/importer"
	"github.com/teranos/ferry/logger"
	"github.com/teranos/ferry/mutate"
	"github.com/teranos/ferry/transport"
	"github.com/teranos/ferry/version"
)

// stack is the wired client surface the commands run against.
type stack struct {
	cfg     *config.Config
	client  *api.Client
	machine *version.Machine
}

// buildStack loads configuration and assembles the pools, executors, and API
// client every command shares.
func buildStack() (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.Logger

	readPool := transport.NewPool(transport.PoolConfig{
		Size:              cfg.Pools.ReadSize,
		RequestsPerMinute: cfg.Pools.ReadRequestsPerMin,
		AcquireTimeout:    cfg.Pools.AcquireTimeout(),
		RequestTimeout:    cfg.API.ExportTimeout(),
	}, log)
	writePool := transport.NewPool(transport.PoolConfig{
		Size:              cfg.Pools.WritePoolSize(),
		RequestsPerMinute: cfg.Pools.WriteRequestsPerMin,
		AcquireTimeout:    cfg.Pools.AcquireTimeout(),
		RequestTimeout:    cfg.API.RequestTimeout(),
	}, log)

	execCfg := transport.ExecutorConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		BaseDelay:      cfg.Retry.BaseDelay(),
		MaxDelay:       cfg.Retry.MaxDelay(),
		DefaultTimeout: cfg.API.RequestTimeout(),
	}
	read := transport.NewExecutor(readPool, execCfg, log)
	write := transport.NewExecutor(writePool, execCfg, log)

	client := api.NewClient(cfg, read, write, log)
	machine := version.NewMachine(client, cfg.Version.PollInterval(), log)

	return &stack{cfg: cfg, client: client, machine: machine}, nil
}

func (s *stack) exporter() *export.Exporter {
	return export.New(s.client, export.Config{
		IncrementDays:  s.cfg.Export.IncrementDays,
		TimezoneOffset: s.cfg.Export.TimezoneOffset,
		PagePrefetch:   s.cfg.Export.PagePrefetch,
		AcceptGzip:     true,
	}, logger.Logger)
}

func (s *stack) importer() *importer.Importer {
	return importer.New(s.client, s.machine, importer.Config{
		BatchMaxRecords: s.cfg.Import.BatchSize,
		BatchMaxBytes:   s.cfg.Import.MaxBatchBytes,
		Workers:         s.cfg.Pools.WritePoolSize() * s.cfg.Import.InFlightMultiplier,
	}, logger.Logger)
}

func (s *stack) engine() (*mutate.Engine, error) {
	if err := s.cfg.RequireToken(); err != nil {
		return nil, err
	}
	return mutate.New(s.client, s.importer(), s.cfg.API.Token, logger.Logger), nil
}
