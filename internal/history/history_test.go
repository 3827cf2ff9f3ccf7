package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLedger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "np_output")
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	require.Equal(t, CurrentSchemaVersion, version)
}

func TestRecordAndListRuns(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	run := Run{
		ID:              NewRunID(),
		Number:          3,
		Slug:            "refactor-api",
		EstimatedTokens: 1500,
		TotalCost:       0.0123,
		CreatedAt:       time.Now(),
	}
	results := []Result{
		{RunID: run.ID, Model: "openai/gpt-4o", State: "Done", Cost: 0.0123, CostKnown: true, DurationMS: 4200},
		{RunID: run.ID, Model: "manual-notes", State: "ManualInput"},
	}
	require.NoError(t, store.RecordRun(run, results))

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got := runs[0]
	require.Equal(t, run.ID, got.Run.ID)
	require.Equal(t, 3, got.Run.Number)
	require.Equal(t, "refactor-api", got.Run.Slug)
	require.Equal(t, 1500, got.Run.EstimatedTokens)
	require.InDelta(t, 0.0123, got.Run.TotalCost, 1e-9)
	require.Len(t, got.Results, 2)

	byModel := map[string]Result{}
	for _, r := range got.Results {
		byModel[r.Model] = r
	}
	require.True(t, byModel["openai/gpt-4o"].CostKnown)
	require.Equal(t, int64(4200), byModel["openai/gpt-4o"].DurationMS)
	require.False(t, byModel["manual-notes"].CostKnown)
}

func TestListRuns_NewestFirst(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		run := Run{
			ID:        NewRunID(),
			Number:    i,
			Slug:      "task",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.RecordRun(run, nil))
	}

	runs, err := store.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, 3, runs[0].Run.Number)
	require.Equal(t, 2, runs[1].Run.Number)
}

func TestNewRunID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		require.Len(t, id, 26)
		require.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}
