package record

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, src Source) []Record {
	t.Helper()
	var out []Record
	for {
		r, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, r)
	}
}

func TestFileSourceJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"event":"signup","properties":{"distinct_id":"u1","time":100}}`+"\n"+
			`{"event":"click","properties":{"distinct_id":"u2","time":200}}`+"\n"), 0o644))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	records := readAll(t, src)
	require.Len(t, records, 2)
	assert.Equal(t, "signup", records[0].(Event).Name)
	assert.Equal(t, "u2", records[1].Actor())
}

func TestFileSourceJSONArrayOfProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`[{"$distinct_id":"u1","$properties":{"plan":"pro"}},
		  {"$distinct_id":"u2","$properties":{}}]`), 0o644))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	records := readAll(t, src)
	require.Len(t, records, 2)
	p := records[0].(Profile)
	assert.Equal(t, "u1", p.DistinctID)
	assert.Equal(t, "pro", p.Properties["plan"])
}

func TestFileSourceGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(`{"event":"signup","properties":{"distinct_id":"u1","time":100}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	records := readAll(t, src)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].Actor())
}

func TestFileSourceRejectsUnknownCSVHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("foo,bar\n1,2\n"), 0o644))

	_, err := OpenFile(path)
	require.Error(t, err)
}

func TestSinkRoundTripJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := OpenSink(path, SinkOptions{Format: FormatJSON})
	require.NoError(t, err)

	require.NoError(t, sink.Append(testEvent("u1")))
	require.NoError(t, sink.Append(testEvent("u2")))
	require.NoError(t, sink.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	records := readAll(t, src)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0].Actor())
}

func TestSinkRoundTripCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := OpenSink(path, SinkOptions{Format: FormatJSON, Compress: true})
	require.NoError(t, err)
	require.NoError(t, sink.Append(testEvent("u1")))
	require.NoError(t, sink.Close())

	// Compression appends the .gz suffix
	src, err := OpenFile(path + ".gz")
	require.NoError(t, err)
	defer src.Close()
	assert.Len(t, readAll(t, src), 1)
}

func TestCSVEventRoundTripLossless(t *testing.T) {
	events := []Event{
		{Name: "purchase", Properties: Props{
			"distinct_id": "u1",
			"time":        int64(100),
			"items":       []any{"a", "b"},
			"meta":        map[string]any{"source": "web"},
			"amount":      9.5,
		}},
		{Name: "signup", Properties: Props{
			"distinct_id": "u2",
			"time":        int64(200),
		}},
	}

	path := filepath.Join(t.TempDir(), "events.csv")
	sink, err := OpenSink(path, SinkOptions{Format: FormatCSV})
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, sink.Append(e))
	}
	require.NoError(t, sink.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	records := readAll(t, src)
	require.Len(t, records, 2)

	got := records[0].(Event)
	assert.Equal(t, "purchase", got.Name)
	assert.Equal(t, "u1", got.Actor())
	ts, _ := got.Time()
	assert.Equal(t, int64(100), ts)
	assert.Equal(t, []any{"a", "b"}, got.Properties["items"], "arrays survive the CSV round trip")
	assert.Equal(t, map[string]any{"source": "web"}, got.Properties["meta"], "nested objects survive")
	assert.Equal(t, 9.5, got.Properties["amount"])

	sparse := records[1].(Event)
	assert.NotContains(t, sparse.Properties, "items", "empty cells stay absent")
}

func TestCSVProfileRoundTrip(t *testing.T) {
	profiles := []Profile{
		{DistinctID: "u1", Properties: Props{"$email": "a@b.com", "tags": []any{"x"}}},
		{DistinctID: "u2", Properties: Props{"plan": "free"}},
	}

	path := filepath.Join(t.TempDir(), "profiles.csv")
	sink, err := OpenSink(path, SinkOptions{Format: FormatCSV})
	require.NoError(t, err)
	for _, p := range profiles {
		require.NoError(t, sink.Append(p))
	}
	require.NoError(t, sink.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	records := readAll(t, src)
	require.Len(t, records, 2)

	got := records[0].(Profile)
	assert.Equal(t, "u1", got.DistinctID)
	assert.Equal(t, "a@b.com", got.Properties["$email"])
	assert.Equal(t, []any{"x"}, got.Properties["tags"])
}

func TestCSVSinkCannotMixRecordKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.csv")
	sink, err := OpenSink(path, SinkOptions{Format: FormatCSV})
	require.NoError(t, err)
	require.NoError(t, sink.Append(testEvent("u1")))
	require.NoError(t, sink.Append(Profile{DistinctID: "u2", Properties: Props{}}))
	assert.Error(t, sink.Close())
}

func TestCSVSinkStreamsWithFixedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	sink, err := OpenSink(path, SinkOptions{
		Format:  FormatCSV,
		Columns: []string{"event", "distinct_id", "time"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Append(testEvent("u1")))
	require.NoError(t, sink.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	records := readAll(t, src)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].Actor())
}
