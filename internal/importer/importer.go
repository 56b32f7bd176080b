// Package importer implements the bulk import pipeline: zip pre-validation,
// staging, threshold guards and the SCD-2 delta apply into the historic
// tables. One Importer handles one list type for one run.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
	dirbsstatsd "github.com/dirbs/dirbs-core/internal/statsd"
)

// Importer runs one SCD-2 list import end to end.
type Importer struct {
	Spec       *Spec
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Statsd     statsd.ClientInterface
	Log        *slog.Logger
	BatchSize  int
	Thresholds Thresholds
	// TmpDir overrides the batch spool directory, empty for the OS default.
	TmpDir string
}

// Result summarizes a successful import.
type Result struct {
	Rows    int64
	Adds    int64
	Removes int64
	Updates int64
	Delta   bool
}

// Run imports one zip file under the given run id. On any failure the
// historic table is untouched (the apply is a single transaction) and the
// staging table and batch spool are cleaned up.
func (i *Importer) Run(ctx context.Context, runID int64, zipPath string) (*Result, error) {
	result, err := i.run(ctx, runID, zipPath)
	if err != nil {
		i.countFailure(err)
		return nil, err
	}
	return result, nil
}

func (i *Importer) run(ctx context.Context, runID int64, zipPath string) (*Result, error) {
	pre, err := Prevalidate(i.Spec, zipPath, i.BatchSize, i.TmpDir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(pre.TmpDir)
	i.Log.Info("pre-validation passed",
		"list_type", i.Spec.ListType, "rows", pre.Rows, "batches", len(pre.Batches), "delta", pre.Delta)

	st, err := createStaging(ctx, i.Log, i.Pool, i.Spec, runID, pre)
	if err != nil {
		return nil, err
	}
	defer st.drop(context.WithoutCancel(ctx))

	stagedRows, err := st.load(ctx, pre)
	if err != nil {
		return nil, err
	}

	var counts changeCounts
	txOpts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	err = db.WithTxRetry(ctx, i.Log, i.Pool, txOpts, func(tx pgx.Tx) error {
		if err := db.AcquireListLock(ctx, tx, i.Spec.ListType); err != nil {
			return fmt.Errorf("failed to acquire %s import lock: %w", i.Spec.ListType, err)
		}
		counts, err = computeChanges(ctx, tx, i.Spec, st.table, pre.Delta)
		if err != nil {
			return err
		}
		if pre.Delta {
			if err := checkDeltaSanity(ctx, tx, i.Spec, i.Thresholds, stagedRows); err != nil {
				return err
			}
		}
		if err := checkSizeVariation(ctx, tx, i.Spec, i.Thresholds, counts); err != nil {
			return err
		}
		return applyChanges(ctx, tx, i.Spec, st.table)
	})
	if err != nil {
		return nil, err
	}

	for _, refresh := range i.Spec.RefreshSQL {
		if _, err := i.Pool.Exec(ctx, refresh); err != nil {
			return nil, fmt.Errorf("post-apply refresh failed: %w", err)
		}
	}

	result := &Result{
		Rows:    stagedRows,
		Adds:    counts.Adds,
		Removes: counts.Removes,
		Updates: counts.Updates,
		Delta:   pre.Delta,
	}
	i.Log.Info("import applied",
		"list_type", i.Spec.ListType, "rows", result.Rows,
		"adds", result.Adds, "removes", result.Removes, "updates", result.Updates)

	if err := i.Metadata.Annotate(ctx, runID, map[string]any{
		"input_file": zipPath,
		"rows":       result.Rows,
		"delta_mode": result.Delta,
		"changes": map[string]any{
			"adds":    result.Adds,
			"removes": result.Removes,
			"updates": result.Updates,
		},
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (i *Importer) countFailure(err error) {
	reason := ""
	var (
		preErr *PrevalidationError
		thrErr *ThresholdError
	)
	switch {
	case errors.As(err, &preErr):
		reason = "prevalidation"
	case errors.As(err, &thrErr):
		reason = thrErr.Check
	default:
		return
	}
	name := dirbsstatsd.ImportFailureName(i.Spec.ListType, "", reason)
	if err := i.Statsd.Incr(name, nil, 1); err != nil {
		i.Log.Debug("statsd increment failed", "metric", name, "error", err)
	}
}
