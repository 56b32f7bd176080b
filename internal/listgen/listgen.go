// Package listgen derives the per-operator blacklist, notifications and
// exceptions lists from classification state, observation data and the
// pairing list, versions them by run id and writes full and delta CSVs.
package listgen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

// readLists are the list types listgen reads under shared advisory locks.
var readLists = []string{"operator", "pairing_list", "barred_list", "golden_list"}

// SanityError reports a run-over-run delta beyond the allowed variance. No
// table is mutated and no CSV is written when it is raised.
type SanityError struct {
	List     string
	Previous int64
	Current  int64
	MaxFrac  float64
}

func (e *SanityError) Error() string {
	return fmt.Sprintf(
		"sanity check failed for %s: size would move from %d to %d, more than the allowed fraction %.3f of the previous run",
		e.List, e.Previous, e.Current, e.MaxFrac)
}

// Generator produces the enforcement lists for one run.
type Generator struct {
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Statsd     statsd.ClientInterface
	Log        *slog.Logger
	Config     config.ListGen
	Operators  []config.Operator
	Conditions []config.Condition
	// CurrDate is the generation date, pinned by --curr-date.
	CurrDate time.Time
	// OutputDir receives the per-run output directory.
	OutputDir string
	// BaseRunID selects the delta baseline; zero means the previous
	// successful listgen run.
	BaseRunID int64
	// NoFullLists writes only the delta CSVs.
	NoFullLists bool
	// NoCleanup keeps partially written output when a run fails.
	NoCleanup bool
	// DisableSanityChecks skips the run-over-run variance guard.
	DisableSanityChecks bool
}

// Result reports what a run produced.
type Result struct {
	RunID     int64
	BaseRunID int64
	OutputDir string
	Counts    map[string]int64
}

// Run generates all lists under the given run id. The state transition is a
// single transaction; CSVs are only written after it commits.
func (g *Generator) Run(ctx context.Context, runID int64) (*Result, error) {
	baseRunID := g.BaseRunID
	if baseRunID == 0 {
		last, err := g.Metadata.LastSuccessfulRun(ctx, "dirbs-listgen", "")
		if err != nil {
			return nil, err
		}
		baseRunID = last
	}

	guard, err := g.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lock guard transaction: %w", err)
	}
	defer guard.Rollback(context.WithoutCancel(ctx))
	for _, list := range readLists {
		if err := db.AcquireListLockShared(ctx, guard, list); err != nil {
			return nil, fmt.Errorf("failed to acquire shared lock on %s: %w", list, err)
		}
	}

	counts := map[string]int64{}
	err = pgx.BeginFunc(ctx, g.Pool, func(tx pgx.Tx) error {
		if err := g.ensureOperatorPartitions(ctx, tx); err != nil {
			return err
		}
		if err := g.buildCandidates(ctx, tx); err != nil {
			return err
		}
		if !g.DisableSanityChecks {
			if err := g.checkSanity(ctx, tx); err != nil {
				return err
			}
		}
		return g.applyAll(ctx, tx, runID, counts)
	})
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: runID, BaseRunID: baseRunID, Counts: counts}
	if err := g.writeOutputs(ctx, result); err != nil {
		if !g.NoCleanup && result.OutputDir != "" {
			if rmErr := os.RemoveAll(result.OutputDir); rmErr != nil {
				g.Log.Warn("failed to remove partial output", "dir", result.OutputDir, "error", rmErr)
			}
		}
		return nil, err
	}

	g.Log.Info("lists generated",
		"run_id", runID, "base_run_id", baseRunID, "output_dir", result.OutputDir)
	return result, g.Metadata.Annotate(ctx, runID, map[string]any{
		"curr_date":   g.CurrDate.Format("20060102"),
		"base_run_id": baseRunID,
		"output_dir":  result.OutputDir,
		"counts":      counts,
	})
}

// ensureOperatorPartitions creates the per-operator partitions of the
// notifications and exceptions tables on first sight of an operator.
func (g *Generator) ensureOperatorPartitions(ctx context.Context, tx pgx.Tx) error {
	for _, op := range g.Operators {
		for _, parent := range []string{"notifications_lists", "exceptions_lists"} {
			sql := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s_%s PARTITION OF %s FOR VALUES IN ('%s')`,
				parent, op.ID, parent, op.ID)
			if _, err := tx.Exec(ctx, sql); err != nil {
				return fmt.Errorf("failed to create %s partition for %s: %w", parent, op.ID, err)
			}
		}
	}
	return nil
}

// buildCandidates materializes this run's intended list contents into
// transaction-scoped temp tables. When two conditions block the same IMEI
// with different dates, the earliest block date wins.
func (g *Generator) buildCandidates(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE cond_reasons (
		    cond_name TEXT PRIMARY KEY,
		    reason TEXT NOT NULL,
		    blocking BOOLEAN NOT NULL
		) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("failed to create reason lookup: %w", err)
	}
	for _, c := range g.Conditions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cond_reasons (cond_name, reason, blocking) VALUES ($1, $2, $3)`,
			c.Label, c.Reason, c.Blocking); err != nil {
			return fmt.Errorf("failed to fill reason lookup: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE blacklist_new ON COMMIT DROP AS
		SELECT cs.imei_norm,
		       max(cs.virt_imei_shard) AS virt_imei_shard,
		       min(cs.block_date) AS block_date,
		       array_agg(DISTINCT r.reason ORDER BY r.reason) AS reasons
		FROM classification_state cs
		JOIN cond_reasons r ON r.cond_name = cs.cond_name AND r.blocking
		WHERE cs.end_date IS NULL
		  AND cs.block_date IS NOT NULL AND cs.block_date <= $1
		GROUP BY cs.imei_norm`, g.CurrDate); err != nil {
		return fmt.Errorf("failed to build blacklist candidates: %w", err)
	}

	// A live pairing only suppresses the notification when the exceptions
	// list will actually carry it; with the list restricted to blacklisted
	// IMEIs, a pair of a not-yet-blocked IMEI protects nothing.
	pairedFilter := `AND NOT EXISTS (
			SELECT 1 FROM pairing_list p
			WHERE p.virt_imei_shard = cs.virt_imei_shard
			  AND p.imei_norm = cs.imei_norm AND p.imsi = t.imsi)`
	if g.Config.RestrictExceptionsToBlacklist {
		pairedFilter = ""
	}
	lookback := g.CurrDate.AddDate(0, 0, -g.Config.LookbackDays)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TEMP TABLE notifications_new ON COMMIT DROP AS
		SELECT t.operator_id, cs.imei_norm,
		       max(cs.virt_imei_shard) AS virt_imei_shard,
		       t.imsi, t.msisdn,
		       min(cs.block_date) AS block_date,
		       array_agg(DISTINCT r.reason ORDER BY r.reason) AS reasons,
		       bool_or(cs.amnesty_granted) AS amnesty_granted
		FROM classification_state cs
		JOIN cond_reasons r ON r.cond_name = cs.cond_name AND r.blocking
		JOIN monthly_network_triplets_per_mno t
		  ON t.virt_imei_shard = cs.virt_imei_shard AND t.imei_norm = cs.imei_norm
		WHERE cs.end_date IS NULL
		  AND cs.block_date IS NOT NULL AND cs.block_date > $1
		  AND t.last_seen >= $2
		  AND t.imsi IS NOT NULL AND t.msisdn IS NOT NULL
		  %s
		GROUP BY t.operator_id, cs.imei_norm, t.imsi, t.msisdn`, pairedFilter),
		g.CurrDate, lookback); err != nil {
		return fmt.Errorf("failed to build notification candidates: %w", err)
	}

	// Every operator receives the same exception pairs; the per-operator
	// split exists because enforcement equipment consumes its own file.
	restrict := "TRUE"
	if g.Config.RestrictExceptionsToBlacklist {
		restrict = `(EXISTS (SELECT 1 FROM blacklist_new b WHERE b.imei_norm = p.imei_norm)`
		if g.Config.IncludeBarredIMEIsInExceptions {
			restrict += ` OR EXISTS (SELECT 1 FROM barred_list bl
				WHERE bl.virt_imei_shard = p.virt_imei_shard AND bl.imei_norm = p.imei_norm)`
		}
		restrict += ")"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TEMP TABLE exceptions_new ON COMMIT DROP AS
		SELECT p.imei_norm, p.virt_imei_shard, p.imsi
		FROM pairing_list p
		WHERE %s`, restrict)); err != nil {
		return fmt.Errorf("failed to build exception candidates: %w", err)
	}
	return nil
}

// checkSanity compares each candidate list against the live rows of the
// previous run and rejects mass changes.
func (g *Generator) checkSanity(ctx context.Context, tx pgx.Tx) error {
	numOps := int64(len(g.Operators))
	checks := []struct {
		name    string
		prevSQL string
		newSQL  string
		newArgs []any
	}{{
		name:    "blacklist",
		prevSQL: `SELECT count(*) FROM blacklist WHERE end_run_id IS NULL`,
		newSQL:  `SELECT count(*) FROM blacklist_new`,
	}, {
		name:    "notifications",
		prevSQL: `SELECT count(*) FROM notifications_lists WHERE end_run_id IS NULL`,
		newSQL:  `SELECT count(*) FROM notifications_new`,
	}, {
		name:    "exceptions",
		prevSQL: `SELECT count(*) FROM exceptions_lists WHERE end_run_id IS NULL`,
		newSQL:  `SELECT count(*) * $1 FROM exceptions_new`,
		newArgs: []any{numOps},
	}}

	for _, c := range checks {
		var prev, cur int64
		if err := tx.QueryRow(ctx, c.prevSQL).Scan(&prev); err != nil {
			return fmt.Errorf("sanity check %s: %w", c.name, err)
		}
		if err := tx.QueryRow(ctx, c.newSQL, c.newArgs...).Scan(&cur); err != nil {
			return fmt.Errorf("sanity check %s: %w", c.name, err)
		}
		if prev == 0 {
			continue
		}
		diff := cur - prev
		if diff < 0 {
			diff = -diff
		}
		if float64(diff) > g.Config.MaxDeltaFraction*float64(prev) {
			return &SanityError{List: c.name, Previous: prev, Current: cur, MaxFrac: g.Config.MaxDeltaFraction}
		}
	}
	return nil
}
