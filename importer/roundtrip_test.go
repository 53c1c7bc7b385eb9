package importer

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/ferry/record"
)

// Exported artifacts must re-import without translation: write events the way
// the export pipeline does, read the file back, and ship every record.
func TestExportedFileReimports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := record.OpenSink(path, record.SinkOptions{Format: record.FormatJSON})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Append(record.Event{
			Name: "signup",
			Properties: record.Props{
				"distinct_id": "u" + strconv.Itoa(i),
				"time":        int64(1000 + i),
				"plan":        "pro",
			},
		}))
	}
	require.NoError(t, sink.Close())

	src, err := record.OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	svc := &fakeBatchService{}
	im := New(svc, nil, Config{BatchMaxRecords: 4, Workers: 2}, zap.NewNop().Sugar())
	result, err := im.Run(context.Background(), src, Options{})
	require.NoError(t, err)

	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 10, result.Accepted)
	assert.Zero(t, result.Invalid)

	got := 0
	for _, batch := range svc.batches {
		for _, ev := range batch {
			assert.Equal(t, "signup", ev.Name)
			assert.Equal(t, "pro", ev.Properties["plan"])
			_, ok := ev.Time()
			assert.True(t, ok)
			got++
		}
	}
	assert.Equal(t, 10, got, "every exported record reaches the remote service")
}
