package history

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/snort3test/internal/job"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestOpen_CreatesDirectory verifies that Open creates the parent directory if missing.
func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

// TestOpen_Reopen verifies the schema can be applied to an existing database.
func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, Run{ID: "r1", StartedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	_, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
}

func TestStore_RunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.StartRun(ctx, Run{ID: "r1", Root: "/tests", Requested: []string{"/tests/a", "/tests/b"}, StartedAt: start}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "r1", TestID: "/tests/a/a1", State: job.StatePassed, RecordedAt: start.Add(time.Second)}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "r1", TestID: "/tests/a/a2", State: job.StateRunning, RecordedAt: start}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "r1", TestID: "/tests/b/b1", State: job.StateFailed, Message: "line1\n", RecordedAt: start.Add(2 * time.Second)}))

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, r.FinishedAt)
	require.Equal(t, []string{"/tests/a", "/tests/b"}, r.Requested)
	require.Equal(t, start, r.StartedAt)

	require.NoError(t, s.FinishRun(ctx, "r1", start.Add(3*time.Second), true, 2))

	r, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r.FinishedAt)
	require.True(t, r.Cancelled)
	require.Equal(t, int64(2), r.Dispatched)
	require.Equal(t, map[job.State]int{job.StatePassed: 1, job.StateFailed: 1}, r.Counts)

	recs, err := s.Results(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, recs, 2, "running results are not stored")
	require.Equal(t, "/tests/a/a1", recs[0].TestID)
	require.Equal(t, "line1\n", recs[1].Message)
}

func TestStore_FinishUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishRun(context.Background(), "nope", time.Now(), false, 0)
	require.ErrorIs(t, err, ErrRunNotFound)

	_, err = s.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.StartRun(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "new", runs[0].ID)
	require.Equal(t, "mid", runs[1].ID)
	require.Empty(t, runs[0].Counts)
}

func TestStore_LastResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	_, ok, err := s.LastResult(ctx, "/tests/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.StartRun(ctx, Run{ID: "r1", StartedAt: base}))
	require.NoError(t, s.StartRun(ctx, Run{ID: "r2", StartedAt: base.Add(time.Hour)}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "r1", TestID: "/tests/a", State: job.StateFailed, RecordedAt: base}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "r2", TestID: "/tests/a", State: job.StatePassed, RecordedAt: base.Add(time.Hour)}))

	rec, ok, err := s.LastResult(ctx, "/tests/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r2", rec.RunID)
	require.Equal(t, job.StatePassed, rec.State)
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.StartRun(ctx, Run{ID: "old", StartedAt: base}))
	require.NoError(t, s.AddResult(ctx, Record{RunID: "old", TestID: "x", State: job.StatePassed, RecordedAt: base}))
	require.NoError(t, s.StartRun(ctx, Run{ID: "new", StartedAt: base.Add(48 * time.Hour)}))

	n, err := s.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	recs, err := s.Results(ctx, "old")
	require.NoError(t, err)
	require.Empty(t, recs, "results cascade with their run")
}
