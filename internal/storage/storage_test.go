package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorContains(t, err, "storage.uri")
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "bolt"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", "history.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 5; i++ {
				sev := "ok"
				if i%2 == 1 {
					sev = "error"
				}
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					JobID:    fmt.Sprintf("id-%d", i),
					Name:     fmt.Sprintf("job-%d", i%2),
					Group:    "g",
					Severity: sev,
					Message:  "m",
					Duration: time.Duration(i) * time.Second,
					At:       base.Add(time.Duration(i) * time.Minute),
				}))
			}

			all, err := st.ListRuns(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "id-4", all[0].JobID, "newest first")
			assert.Equal(t, 4*time.Second, all[0].Duration)
			assert.True(t, all[0].At.Equal(base.Add(4*time.Minute)))
			assert.Equal(t, "g", all[0].Group)

			failed, err := st.ListRuns(ctx, Query{Severity: "error"})
			require.NoError(t, err)
			assert.Len(t, failed, 2)

			some, err := st.ListRuns(ctx, Query{Name: "job-0", Limit: 2})
			require.NoError(t, err)
			require.Len(t, some, 2)
			assert.Equal(t, "id-4", some[0].JobID)
			assert.Equal(t, "id-2", some[1].JobID)
		})
	}
}

func TestFileStoreCompactsOnOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendRun(context.Background(), RunRecord{JobID: fmt.Sprint(i), Name: "j", Severity: "ok"}))
	}
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path, MaxRows: 3}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.ListRuns(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "9", runs[0].JobID)
	assert.Equal(t, "7", runs[2].JobID)

	require.NoError(t, st.AppendRun(context.Background(), RunRecord{JobID: "10", Name: "j", Severity: "ok"}))
	runs, err = st.ListRuns(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func TestBoltPrunes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.bolt")
	st, err := Open(Config{Driver: "bolt", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, st.AppendRun(context.Background(), RunRecord{JobID: fmt.Sprint(i), Name: "j", Severity: "ok"}))
	}
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "bolt", Path: path, MaxRows: 5}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.ListRuns(context.Background(), Query{Limit: 50})
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, "19", runs[0].JobID)
	assert.Equal(t, "15", runs[4].JobID)
}

// Needs a reachable server: JOBSD_TEST_MONGO_URI=mongodb://localhost:27017
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("JOBSD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("JOBSD_TEST_MONGO_URI not set")
	}
	coll := fmt.Sprintf("runs_%d", time.Now().UnixNano())
	st, err := Open(Config{Driver: "mongo", URI: uri, Database: "jobsd_test", Collection: coll, MaxRows: 3}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{
			JobID:    fmt.Sprint(i),
			Name:     "j",
			Severity: "ok",
			Duration: time.Second,
			At:       base.Add(time.Duration(i) * time.Minute),
		}))
	}
	runs, err := st.ListRuns(ctx, Query{Name: "j"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "4", runs[0].JobID)
	assert.Equal(t, time.Second, runs[0].Duration)
}
