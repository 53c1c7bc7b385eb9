package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/ferry/api"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

// sendFunc ships one batch; offset is the batch's first record's position in
// the overall run.
type sendFunc func(ctx context.Context, b *record.Batch, offset int) (*api.BatchResult, error)

// dispatcher fans batches out to a bounded worker group and folds per-batch
// outcomes into a shared Result. dispatch blocks while all workers are busy,
// which is what stalls source reading and bounds memory.
type dispatcher struct {
	ctx    context.Context
	g      *errgroup.Group
	send   sendFunc
	result *Result

	mu     sync.Mutex
	offset int
}

func newDispatcher(ctx context.Context, workers int, result *Result, send sendFunc) *dispatcher {
	g := &errgroup.Group{}
	g.SetLimit(workers)
	return &dispatcher{ctx: ctx, g: g, send: send, result: result}
}

// dispatch hands one full batch to the worker group. Callers dispatch from a
// single goroutine, so offset accounting needs no lock.
func (d *dispatcher) dispatch(b *record.Batch) {
	offset := d.offset
	d.offset += b.Len()

	d.g.Go(func() error {
		br, err := d.send(d.ctx, b, offset)

		d.mu.Lock()
		defer d.mu.Unlock()
		if err != nil {
			d.result.BatchErrors = append(d.result.BatchErrors,
				errors.Wrapf(err, "batch at offset %d (%d records) failed", offset, b.Len()))
			return nil
		}
		d.result.Accepted += br.Accepted
		for _, rej := range br.Rejected {
			rej.Index += offset
			// The remote index is untrusted; backfill only when it lands
			// inside this batch.
			if i := rej.Index - offset; rej.DistinctID == "" && i >= 0 && i < b.Len() {
				rej.DistinctID = b.Records()[i].Actor()
			}
			d.result.Rejected = append(d.result.Rejected, rej)
		}
		return nil
	})
}

func (d *dispatcher) wait() {
	d.g.Wait()
}

// UpdateDispatcher batches profile update operations and ships them with the
// same bounded concurrency as record imports. Push blocks while all workers
// are busy.
type UpdateDispatcher struct {
	ctx       context.Context
	im        *Importer
	g         *errgroup.Group
	batchSize int

	pending [][]byte
	actors  []string

	mu     sync.Mutex
	offset int
	result *Result
}

// Updates opens an update dispatcher. batchSize bounds one request; zero
// means 2000 operations.
func (im *Importer) Updates(ctx context.Context, batchSize int) *UpdateDispatcher {
	if batchSize <= 0 {
		batchSize = 2000
	}
	g := &errgroup.Group{}
	g.SetLimit(im.cfg.Workers)
	return &UpdateDispatcher{
		ctx:       ctx,
		im:        im,
		g:         g,
		batchSize: batchSize,
		result:    &Result{},
	}
}

// Push enqueues one update operation, flushing a full batch to the workers.
func (d *UpdateDispatcher) Push(u record.Update) error {
	enc, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "failed to encode update")
	}
	d.pending = append(d.pending, enc)
	d.actors = append(d.actors, u.DistinctID)
	d.result.Total++

	if len(d.pending) >= d.batchSize {
		d.flush()
	}
	return nil
}

func (d *UpdateDispatcher) flush() {
	if len(d.pending) == 0 {
		return
	}
	payload := joinArray(d.pending)
	actors := d.actors
	offset := d.offset
	d.offset += len(d.pending)
	d.pending, d.actors = nil, nil

	d.g.Go(func() error {
		br, err := d.im.svc.SendUpdates(d.ctx, payload)

		d.mu.Lock()
		defer d.mu.Unlock()
		if err != nil {
			d.result.BatchErrors = append(d.result.BatchErrors,
				errors.Wrapf(err, "update batch at offset %d (%d operations) failed", offset, len(actors)))
			return nil
		}
		d.result.Accepted += br.Accepted
		for _, rej := range br.Rejected {
			rej.Index += offset
			if i := rej.Index - offset; rej.DistinctID == "" && i >= 0 && i < len(actors) {
				rej.DistinctID = actors[i]
			}
			d.result.Rejected = append(d.result.Rejected, rej)
		}
		return nil
	})
}

// Wait flushes the final partial batch and blocks until every in-flight
// request settles.
func (d *UpdateDispatcher) Wait() *Result {
	d.flush()
	d.g.Wait()
	return d.result
}

func joinArray(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
