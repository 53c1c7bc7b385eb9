// Package importer ships records into the Records API in bounded batches.
// Accumulation is sequential; full batches are handed to a bounded worker
// group, so at most workers × batch-size records are in flight and source
// reading stalls when every worker is busy.
package importer

import (
	"context"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/ferry/api"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

// batchService is the slice of the API client the importer consumes.
type batchService interface {
	ImportBatch(ctx context.Context, payload []byte, versionID string) (*api.BatchResult, error)
	SendUpdates(ctx context.Context, payload []byte) (*api.BatchResult, error)
}

// writableChecker gates imports that target a resource version.
type writableChecker interface {
	CheckWritable(ctx context.Context, id string) error
}

// Config tunes the import pipeline.
type Config struct {
	// BatchMaxRecords and BatchMaxBytes bound one import request.
	BatchMaxRecords int
	BatchMaxBytes   int
	// Workers bounds concurrent in-flight batches. Sizing it as a small
	// multiple of the write pool keeps workers busy while pool acquisition
	// provides the hard ceiling.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.BatchMaxRecords <= 0 {
		c.BatchMaxRecords = 30000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Importer drives record sources into the remote service.
type Importer struct {
	svc      batchService
	versions writableChecker
	cfg      Config
	log      *zap.SugaredLogger
}

// New creates an importer. versions may be nil when version targeting is
// unused.
func New(svc batchService, versions writableChecker, cfg Config, log *zap.SugaredLogger) *Importer {
	return &Importer{svc: svc, versions: versions, cfg: cfg.withDefaults(), log: log}
}

// Options selects per-run behavior.
type Options struct {
	// VersionID targets a specific resource version. The version's
	// writability is checked once before any batch is sent; a non-writable
	// version fails the whole run immediately.
	VersionID string
	// InvalidSink receives records that fail local validation. Nil drops
	// them (they are still counted).
	InvalidSink record.Sink
	// TimezoneOffset is the UTC offset in hours of the project that exported
	// the source data. Event timestamps are shifted back to UTC before
	// shipping, the same conversion the export side applies.
	TimezoneOffset float64
}

// Result aggregates one import run. Accepted + len(Rejected) + Invalid
// equals Total; BatchErrors carries whole-batch failures whose records are
// not in any of the other buckets.
type Result struct {
	JobID    string
	Total    int
	Accepted int
	Invalid  int
	Rejected []api.RejectedRecord
	// BatchErrors are terminal or retry-exhausted failures of whole batches.
	BatchErrors []error
}

// Failed reports whether any batch failed outright.
func (r *Result) Failed() bool {
	return len(r.BatchErrors) > 0
}

// RejectionErr returns an ErrRecordRejected describing the per-record
// rejections, or nil when every shipped record was accepted. Whole-batch
// failures are reported through BatchErrors instead.
func (r *Result) RejectionErr() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	return errors.Wrapf(errors.ErrRecordRejected,
		"%d of %d records rejected", len(r.Rejected), r.Total)
}

// Run reads the source to exhaustion and imports everything it yields.
// The returned error covers pipeline-level failures (source read errors,
// non-writable version); per-record and per-batch outcomes live in Result.
func (im *Importer) Run(ctx context.Context, src record.Source, opts Options) (*Result, error) {
	result := &Result{JobID: uuid.NewString()}

	if opts.VersionID != "" && im.versions != nil {
		if err := im.versions.CheckWritable(ctx, opts.VersionID); err != nil {
			return result, err
		}
	}

	im.log.Infow("Import started",
		"job_id", result.JobID,
		"version_id", opts.VersionID,
		"workers", im.cfg.Workers)

	d := newDispatcher(ctx, im.cfg.Workers, result, func(ctx context.Context, b *record.Batch, offset int) (*api.BatchResult, error) {
		return im.svc.ImportBatch(ctx, b.Payload(), opts.VersionID)
	})

	builder := record.NewBuilder(im.cfg.BatchMaxRecords, im.cfg.BatchMaxBytes)
	var srcErr error
	for {
		rec, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srcErr = errors.Wrap(err, "failed to read import source")
			}
			break
		}
		result.Total++

		if !importable(rec) {
			result.Invalid++
			if opts.InvalidSink != nil {
				if err := opts.InvalidSink.Append(rec); err != nil {
					srcErr = errors.Wrap(err, "failed to divert invalid record")
					break
				}
			}
			continue
		}

		if opts.TimezoneOffset != 0 {
			if ev, ok := rec.(record.Event); ok {
				ev.ShiftTime(opts.TimezoneOffset)
			}
		}

		full, err := builder.Add(rec, record.EncodeJSON)
		if err != nil {
			// Encoding failures are data problems, not pipeline problems.
			result.Invalid++
			if opts.InvalidSink != nil {
				if serr := opts.InvalidSink.Append(rec); serr != nil {
					srcErr = errors.Wrap(serr, "failed to divert invalid record")
					break
				}
			}
			continue
		}
		if full != nil {
			d.dispatch(full)
		}
	}

	if srcErr == nil {
		if tail := builder.Flush(); tail != nil {
			d.dispatch(tail)
		}
	}
	d.wait()

	im.log.Infow("Import finished",
		"job_id", result.JobID,
		"total", result.Total,
		"accepted", result.Accepted,
		"rejected", len(result.Rejected),
		"invalid", result.Invalid,
		"batch_errors", len(result.BatchErrors))

	if srcErr != nil {
		return result, srcErr
	}
	return result, nil
}

// importable applies local validation: every record needs an actor id, and
// events additionally need a timestamp.
func importable(r record.Record) bool {
	if e, ok := r.(record.Event); ok {
		return e.Valid()
	}
	return r.Actor() != ""
}
