package metadata_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/db/dbtest"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	store := metadata.New(pool)
	ctx := context.Background()

	runID, err := store.Start(ctx, "dirbs-import", "stolen_list")
	require.NoError(t, err)
	require.Positive(t, runID)

	jobs, err := store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "running", jobs[0].Status)
	require.Equal(t, "dirbs-import", jobs[0].Command)
	require.Equal(t, "stolen_list", jobs[0].Subcommand)

	require.NoError(t, store.Success(ctx, runID))
	jobs, err = store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	require.Equal(t, "success", jobs[0].Status)
	require.NotEmpty(t, jobs[0].EndTime)

	// A finished run must not flip status again.
	require.Error(t, store.Failure(ctx, runID, "late failure"))
	jobs, err = store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	require.Equal(t, "success", jobs[0].Status)
}

func TestFailureRecordsException(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	store := metadata.New(pool)
	ctx := context.Background()

	runID, err := store.Start(ctx, "dirbs-classify", "")
	require.NoError(t, err)
	require.NoError(t, store.Failure(ctx, runID, "condition blew the safety ratio"))

	jobs, err := store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	require.Equal(t, "error", jobs[0].Status)
	require.Contains(t, jobs[0].ExceptionInfo, "safety ratio")
}

func TestAnnotateDeepMerges(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	store := metadata.New(pool)
	ctx := context.Background()

	runID, err := store.Start(ctx, "dirbs-import", "gsma_tac")
	require.NoError(t, err)

	require.NoError(t, store.Annotate(ctx, runID, map[string]any{
		"input_file": "gsma.zip",
		"counts":     map[string]any{"adds": 10},
	}))
	require.NoError(t, store.Annotate(ctx, runID, map[string]any{
		"counts": map[string]any{"removes": 2},
		"rows":   12,
	}))

	jobs, err := store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	extra := jobs[0].ExtraMetadata
	require.Equal(t, "gsma.zip", extra["input_file"])
	require.EqualValues(t, 12, extra["rows"])
	// Nested maps merge key-wise rather than replace.
	counts, ok := extra["counts"].(map[string]any)
	require.True(t, ok, "counts: %T", extra["counts"])
	require.EqualValues(t, 10, counts["adds"])
	require.EqualValues(t, 2, counts["removes"])
}

func TestLastSuccessfulRun(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	store := metadata.New(pool)
	ctx := context.Background()

	base, err := store.LastSuccessfulRun(ctx, "dirbs-listgen", "")
	require.NoError(t, err)
	require.Zero(t, base)

	first, err := store.Start(ctx, "dirbs-listgen", "")
	require.NoError(t, err)
	require.NoError(t, store.Success(ctx, first))

	failed, err := store.Start(ctx, "dirbs-listgen", "")
	require.NoError(t, err)
	require.NoError(t, store.Failure(ctx, failed, "boom"))

	base, err = store.LastSuccessfulRun(ctx, "dirbs-listgen", "")
	require.NoError(t, err)
	require.Equal(t, first, base)
}
