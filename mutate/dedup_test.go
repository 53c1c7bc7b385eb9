package mutate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ferry/backup"
	"github.com/teranos/ferry/record"
)

func TestDeduplicateCaseInsensitiveKey(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("old", record.Props{
			"$email": "User@Example.com", "$last_seen": "2024-01-01T10:00:00", "city": "Oslo",
		}),
		profile("new", record.Props{
			"$email": "user@example.com", "$last_seen": "2024-06-01T10:00:00",
		}),
		profile("other", record.Props{
			"$email": "someone@else.com", "$last_seen": "2024-06-01T10:00:00",
		}),
	})

	result, err := e.Deduplicate(context.Background(), targets, DedupOptions{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied, "one delete plus one merge")

	var deleted, merged []wireUpdate
	for _, u := range svc.sent() {
		switch u.op() {
		case "$delete":
			deleted = append(deleted, u)
		case "$set":
			merged = append(merged, u)
		}
	}

	require.Len(t, deleted, 1)
	assert.Equal(t, "old", deleted[0].distinctID(), "latest $last_seen survives")
	assert.Equal(t, true, deleted[0]["$ignore_alias"], "duplicates are deleted by literal id")

	require.Len(t, merged, 1)
	assert.Equal(t, "new", merged[0].distinctID())
	set := merged[0]["$set"].(map[string]any)
	assert.Equal(t, "Oslo", set["city"], "survivor inherits missing properties")
	assert.NotContains(t, set, "$last_seen", "stale $last_seen never merges onto the survivor")
}

func TestDeduplicateCaseSensitiveKeepsDistinctCasings(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("upper", record.Props{"$email": "User@Example.com", "$last_seen": "2024-01-01T10:00:00"}),
		profile("lower", record.Props{"$email": "user@example.com", "$last_seen": "2024-06-01T10:00:00"}),
	})

	result, err := e.Deduplicate(context.Background(), targets, DedupOptions{CaseSensitive: true})
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Empty(t, svc.sent(), "exact matching treats different casings as different people")
}

func TestDeduplicateWithoutMerge(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("a", record.Props{"$email": "x@y.com", "$last_seen": "2024-01-01T00:00:00", "extra": 1}),
		profile("b", record.Props{"$email": "x@y.com", "$last_seen": "2024-02-01T00:00:00"}),
	})

	result, err := e.Deduplicate(context.Background(), targets, DedupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	sent := svc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "$delete", sent[0].op())
	assert.Equal(t, "a", sent[0].distinctID())
}

func TestDeduplicateTieKeepsFirstEncountered(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("first", record.Props{"$email": "x@y.com", "$last_seen": "2024-03-01T00:00:00"}),
		profile("second", record.Props{"$email": "x@y.com", "$last_seen": "2024-03-01T00:00:00"}),
	})

	_, err := e.Deduplicate(context.Background(), targets, DedupOptions{})
	require.NoError(t, err)

	sent := svc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "second", sent[0].distinctID())
}

func TestDeduplicateMissingLastSeenSortsEarliest(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("no-seen", record.Props{"$email": "x@y.com"}),
		profile("seen", record.Props{"$email": "x@y.com", "$last_seen": "2020-01-01T00:00:00"}),
	})

	_, err := e.Deduplicate(context.Background(), targets, DedupOptions{})
	require.NoError(t, err)

	sent := svc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "no-seen", sent[0].distinctID())
}

func TestDeduplicateLeavesUniquesAlone(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	targets := record.Profiles([]record.Profile{
		profile("a", record.Props{"$email": "a@y.com"}),
		profile("b", record.Props{"$email": "b@y.com"}),
		profile("c", record.Props{}), // no key at all
	})

	result, err := e.Deduplicate(context.Background(), targets, DedupOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Empty(t, svc.sent())
}

func TestDeduplicateBacksUpWholeGroup(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	path := filepath.Join(t.TempDir(), "snap.json")
	w := backup.NewWriter(path)

	targets := record.Profiles([]record.Profile{
		profile("a", record.Props{"$email": "x@y.com", "$last_seen": "2024-01-01T00:00:00"}),
		profile("b", record.Props{"$email": "x@y.com", "$last_seen": "2024-02-01T00:00:00"}),
	})

	_, err := e.Deduplicate(context.Background(), targets, DedupOptions{Options: Options{Backup: w}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap []record.Profile
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Len(t, snap, 2, "both originals are preserved before any deletion")
}

func TestDeduplicateBackupFailureSkipsGroup(t *testing.T) {
	svc := &fakeService{}
	e := newTestEngine(t, svc)

	w := backup.NewWriter(t.TempDir()) // directory: every write fails

	targets := record.Profiles([]record.Profile{
		profile("a", record.Props{"$email": "x@y.com"}),
		profile("b", record.Props{"$email": "x@y.com"}),
	})

	result, err := e.Deduplicate(context.Background(), targets, DedupOptions{Options: Options{Backup: w}})
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, svc.sent(), "no deletion without a snapshot")
}
