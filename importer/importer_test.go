package importer

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/ferry/api"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

// fakeBatchService accepts every record except those whose distinct id is in
// reject, and can fail whole batches, inject latency, or tack extra rejection
// entries onto every result.
type fakeBatchService struct {
	reject       map[string]bool
	extraRejects []api.RejectedRecord
	failAll      bool
	latency      time.Duration
	maxInUse     int64
	inUse        int64

	mu      sync.Mutex
	batches [][]record.Event
	updates []json.RawMessage
}

func (f *fakeBatchService) ImportBatch(ctx context.Context, payload []byte, versionID string) (*api.BatchResult, error) {
	cur := atomic.AddInt64(&f.inUse, 1)
	defer atomic.AddInt64(&f.inUse, -1)
	for {
		max := atomic.LoadInt64(&f.maxInUse)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxInUse, max, cur) {
			break
		}
	}
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.failAll {
		return nil, errors.Wrap(errors.ErrRetriesExhausted, "remote down")
	}

	var events []record.Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.batches = append(f.batches, events)
	f.mu.Unlock()

	res := &api.BatchResult{}
	for i, ev := range events {
		if f.reject[ev.Actor()] {
			res.Rejected = append(res.Rejected, api.RejectedRecord{Index: i, Message: "bad record"})
		} else {
			res.Accepted++
		}
	}
	res.Rejected = append(res.Rejected, f.extraRejects...)
	return res, nil
}

func (f *fakeBatchService) SendUpdates(ctx context.Context, payload []byte) (*api.BatchResult, error) {
	var ops []json.RawMessage
	if err := json.Unmarshal(payload, &ops); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.updates = append(f.updates, ops...)
	f.mu.Unlock()
	return &api.BatchResult{Accepted: len(ops)}, nil
}

type stubVersions struct{ writable bool }

func (s *stubVersions) CheckWritable(ctx context.Context, id string) error {
	if !s.writable {
		return errors.Wrapf(errors.ErrVersionNotWritable, "version %s", id)
	}
	return nil
}

func event(id string, ts int64) record.Event {
	return record.Event{Name: "e", Properties: record.Props{"distinct_id": id, "time": ts}}
}

func eventSource(n int) record.Source {
	records := make([]record.Record, n)
	for i := range records {
		records[i] = event("u"+strconv.Itoa(i), int64(i+1))
	}
	return record.NewSliceSource(records)
}

func TestRunAggregatesAcrossBatches(t *testing.T) {
	svc := &fakeBatchService{reject: map[string]bool{"u3": true, "u7": true}}
	im := New(svc, nil, Config{BatchMaxRecords: 4, Workers: 2}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(10), Options{})
	require.NoError(t, err)

	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 8, result.Accepted)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, result.Total, result.Accepted+len(result.Rejected)+result.Invalid)
	assert.NotEmpty(t, result.JobID)
	assert.Len(t, svc.batches, 3, "10 records at batch size 4")

	// Rejected indexes are positions in the overall run, not in the batch.
	indexes := map[int]bool{}
	ids := map[string]bool{}
	for _, rej := range result.Rejected {
		indexes[rej.Index] = true
		ids[rej.DistinctID] = true
	}
	assert.True(t, indexes[3] && indexes[7])
	assert.True(t, ids["u3"] && ids["u7"])
}

func TestRunDivertsInvalidRecords(t *testing.T) {
	svc := &fakeBatchService{}
	im := New(svc, nil, Config{BatchMaxRecords: 100, Workers: 1}, zap.NewNop().Sugar())

	src := record.NewSliceSource([]record.Record{
		event("u1", 1),
		record.Event{Name: "e", Properties: record.Props{"time": int64(2)}},    // no actor
		record.Event{Name: "e", Properties: record.Props{"distinct_id": "u3"}}, // no time
		event("u4", 4),
	})

	sink := &memorySink{}
	result, err := im.Run(context.Background(), src, Options{InvalidSink: sink})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, result.Invalid)
	assert.Len(t, sink.records, 2)
}

func TestRunVersionNotWritableFailsFast(t *testing.T) {
	svc := &fakeBatchService{}
	im := New(svc, &stubVersions{writable: false}, Config{}, zap.NewNop().Sugar())

	_, err := im.Run(context.Background(), eventSource(5), Options{VersionID: "v1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrVersionNotWritable))
	assert.Empty(t, svc.batches, "no batch is sent against a non-writable version")
}

func TestRunWritableVersionProceeds(t *testing.T) {
	svc := &fakeBatchService{}
	im := New(svc, &stubVersions{writable: true}, Config{BatchMaxRecords: 2}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(4), Options{VersionID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Accepted)
}

func TestRunBoundsConcurrency(t *testing.T) {
	svc := &fakeBatchService{latency: 10 * time.Millisecond}
	im := New(svc, nil, Config{BatchMaxRecords: 1, Workers: 3}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(12), Options{})
	require.NoError(t, err)
	assert.Equal(t, 12, result.Accepted)
	assert.LessOrEqual(t, svc.maxInUse, int64(3),
		"in-flight batches never exceed the worker bound")
}

func TestRunShiftsEventTimesToUTC(t *testing.T) {
	svc := &fakeBatchService{}
	im := New(svc, nil, Config{}, zap.NewNop().Sugar())

	// The project exported at UTC+8; imported timestamps must land back in UTC.
	src := record.NewSliceSource([]record.Record{event("u1", 10 * 3600)})
	result, err := im.Run(context.Background(), src, Options{TimezoneOffset: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	require.Len(t, svc.batches, 1)
	require.Len(t, svc.batches[0], 1)
	ts, ok := svc.batches[0][0].Time()
	require.True(t, ok)
	assert.Equal(t, int64(2*3600), ts)
}

func TestRunToleratesOutOfRangeRejectionIndex(t *testing.T) {
	svc := &fakeBatchService{extraRejects: []api.RejectedRecord{
		{Index: -3, Message: "unattributable"},
		{Index: 99, Message: "beyond the batch"},
	}}
	im := New(svc, nil, Config{BatchMaxRecords: 5, Workers: 1}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(5), Options{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 2)
	for _, rej := range result.Rejected {
		assert.Empty(t, rej.DistinctID, "indexes outside the batch get no backfilled actor")
	}
}

func TestResultRejectionErr(t *testing.T) {
	svc := &fakeBatchService{reject: map[string]bool{"u1": true}}
	im := New(svc, nil, Config{}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(3), Options{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	assert.True(t, errors.Is(result.RejectionErr(), errors.ErrRecordRejected))

	clean, err := im.Run(context.Background(), record.NewSliceSource([]record.Record{event("u9", 1)}), Options{})
	require.NoError(t, err)
	assert.NoError(t, clean.RejectionErr())
}

func TestRunCollectsBatchErrors(t *testing.T) {
	svc := &fakeBatchService{failAll: true}
	im := New(svc, nil, Config{BatchMaxRecords: 5, Workers: 2}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), eventSource(10), Options{})
	require.NoError(t, err, "batch failures are reported, not raised")
	assert.True(t, result.Failed())
	assert.Len(t, result.BatchErrors, 2)
	assert.Zero(t, result.Accepted)
	assert.True(t, errors.Is(result.BatchErrors[0], errors.ErrRetriesExhausted))
}

// syntheticSource fabricates events on demand so huge runs need no backing
// slice on the test side.
type syntheticSource struct {
	n, next int
}

func (s *syntheticSource) Next() (record.Record, error) {
	if s.next >= s.n {
		return nil, io.EOF
	}
	s.next++
	return event("u"+strconv.Itoa(s.next), int64(s.next)), nil
}

func (s *syntheticSource) Close() error { return nil }

// meteredBatchService counts in-flight records without retaining payloads.
type meteredBatchService struct {
	inFlight    int64
	maxInFlight int64
}

func (m *meteredBatchService) ImportBatch(ctx context.Context, payload []byte, versionID string) (*api.BatchResult, error) {
	var events []record.Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, err
	}
	cur := atomic.AddInt64(&m.inFlight, int64(len(events)))
	for {
		max := atomic.LoadInt64(&m.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt64(&m.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond) // hold the batch in flight long enough to overlap
	atomic.AddInt64(&m.inFlight, -int64(len(events)))
	return &api.BatchResult{Accepted: len(events)}, nil
}

func (m *meteredBatchService) SendUpdates(ctx context.Context, payload []byte) (*api.BatchResult, error) {
	return nil, errors.New("not implemented")
}

func TestRunBoundsMemoryOnLargeSource(t *testing.T) {
	const (
		total   = 1_000_000
		batch   = 10_000
		workers = 3
	)
	svc := &meteredBatchService{}
	im := New(svc, nil, Config{BatchMaxRecords: batch, Workers: workers}, zap.NewNop().Sugar())

	result, err := im.Run(context.Background(), &syntheticSource{n: total}, Options{})
	require.NoError(t, err)
	assert.Equal(t, total, result.Accepted)
	assert.Empty(t, result.BatchErrors)

	// Dispatch blocks while every worker is busy, so the source stalls and
	// at most workers x batch-size records are ever in flight at once.
	assert.LessOrEqual(t, atomic.LoadInt64(&svc.maxInFlight), int64(workers*batch))
}

func TestUpdateDispatcherBatches(t *testing.T) {
	svc := &fakeBatchService{}
	im := New(svc, nil, Config{Workers: 2}, zap.NewNop().Sugar())

	d := im.Updates(context.Background(), 3)
	for i := 0; i < 7; i++ {
		require.NoError(t, d.Push(record.Update{
			Token:      "tok",
			DistinctID: "u" + strconv.Itoa(i),
			Op:         record.OpSet,
			Value:      record.Props{"plan": "pro"},
		}))
	}
	result := d.Wait()

	assert.Equal(t, 7, result.Total)
	assert.Equal(t, 7, result.Accepted)
	assert.False(t, result.Failed())
	assert.Len(t, svc.updates, 7)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(svc.updates[0], &wire))
	assert.Equal(t, "tok", wire["$token"])
	assert.Contains(t, wire, "$set")
}

type memorySink struct {
	records []record.Record
}

func (m *memorySink) Append(r record.Record) error { m.records = append(m.records, r); return nil }
func (m *memorySink) Close() error                 { return nil }
