package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/alitto/pond/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
	dirbsstatsd "github.com/dirbs/dirbs-core/internal/statsd"
)

// readLists are the list types classification reads; a shared advisory lock
// on each keeps their imports out for the duration of the run.
var readLists = []string{
	"operator", "gsma_tac", "stolen_list", "registration_list",
	"barred_list", "barred_tac_list", "golden_list",
}

// Engine evaluates every compiled condition against the sharded data and
// reconciles classification_state. Conditions are independent and run in
// parallel on a bounded pool, each shard by shard.
type Engine struct {
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Statsd     statsd.ClientInterface
	Log        *slog.Logger
	Conditions []Condition
	// ConfiguredLabels is the label set of every condition in config, not
	// just the ones selected for this run. Open rows are closed as retired
	// only when their condition has left this set; a condition skipped by
	// --conditions keeps its rows. Empty means Conditions is the full set.
	ConfiguredLabels []string
	Amnesty          config.Amnesty
	// CurrDate is the classification date, normally today, pinned by
	// --curr-date for reproducible runs.
	CurrDate time.Time
	// MaxWorkers bounds how many conditions execute concurrently.
	MaxWorkers int
	// SkipSafetyCheck disables the matching-ratio guard (--no-safety-check).
	SkipSafetyCheck bool
}

// conditionStats is what one condition run reports into job metadata.
type conditionStats struct {
	Matched  int64 `json:"matched"`
	Inserted int64 `json:"inserted"`
	Closed   int64 `json:"closed"`
}

// Run executes the classification run. Conditions that trip their safety
// ratio are skipped and reported through the returned error after every
// other condition has completed; any other failure aborts the run.
func (e *Engine) Run(ctx context.Context, runID int64) error {
	// Hold shared list locks for the whole run on a dedicated transaction.
	guard, err := e.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin lock guard transaction: %w", err)
	}
	defer guard.Rollback(context.WithoutCancel(ctx))
	for _, list := range readLists {
		if err := db.AcquireListLockShared(ctx, guard, list); err != nil {
			return fmt.Errorf("failed to acquire shared lock on %s: %w", list, err)
		}
	}

	shards, err := db.NumPhysicalShards(ctx, e.Pool)
	if err != nil {
		return err
	}
	ranges := db.ShardRanges(shards)

	var observed int64
	if err := e.Pool.QueryRow(ctx, `SELECT count(*) FROM network_imeis`).Scan(&observed); err != nil {
		return fmt.Errorf("failed to count observed IMEIs: %w", err)
	}

	var (
		mu           sync.Mutex
		safetyErrors []error
		stats        = map[string]conditionStats{}
	)
	pool := pond.NewPool(e.MaxWorkers)
	group := pool.NewGroupContext(ctx)
	for _, cond := range e.Conditions {
		group.SubmitErr(func() error {
			s, err := e.runCondition(ctx, cond, ranges, runID, observed)
			var safetyErr *SafetyError
			if errors.As(err, &safetyErr) {
				e.Log.Warn("condition skipped by safety check", "condition", cond.Label, "error", err)
				e.countException(cond.Label)
				mu.Lock()
				safetyErrors = append(safetyErrors, err)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("condition %s: %w", cond.Label, err)
			}
			mu.Lock()
			stats[cond.Label] = s
			mu.Unlock()
			return nil
		})
	}
	err = group.Wait()
	pool.StopAndWait()
	if err != nil {
		return err
	}

	if err := e.closeRetiredConditions(ctx); err != nil {
		return err
	}

	perCondition := make(map[string]any, len(stats))
	for label, s := range stats {
		perCondition[label] = s
	}
	if err := e.Metadata.Annotate(ctx, runID, map[string]any{
		"curr_date":      e.CurrDate.Format("20060102"),
		"observed_imeis": observed,
		"conditions":     perCondition,
	}); err != nil {
		return err
	}
	return errors.Join(safetyErrors...)
}

// runCondition computes the condition's matching set shard by shard into a
// transaction-scoped temp table, applies the safety ratio and reconciles
// classification_state. One transaction per condition: a crash leaves state
// as if the condition never ran.
func (e *Engine) runCondition(ctx context.Context, cond Condition, ranges []db.ShardRange, runID, observed int64) (conditionStats, error) {
	var stats conditionStats
	err := pgx.BeginFunc(ctx, e.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE matched (
			    imei_norm TEXT NOT NULL,
			    virt_imei_shard SMALLINT NOT NULL
			) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("failed to create matched temp table: %w", err)
		}

		for _, r := range ranges {
			q := &queryArgs{}
			sql := fmt.Sprintf(`
				INSERT INTO matched (imei_norm, virt_imei_shard)
				SELECT imei_norm, calc_virt_imei_shard(imei_norm)
				FROM (%s) m`, e.matchingSetSQL(cond, q, r.Lo, r.Hi))
			if _, err := tx.Exec(ctx, sql, q.vals...); err != nil {
				return fmt.Errorf("failed to compute matching set for shards %s: %w", r, err)
			}
		}

		// Golden-list devices are exempt from classification outright.
		if _, err := tx.Exec(ctx, `
			DELETE FROM matched m USING golden_list g
			WHERE g.virt_imei_shard = m.virt_imei_shard AND g.imei_norm = m.imei_norm`); err != nil {
			return fmt.Errorf("failed to apply golden list exemption: %w", err)
		}

		if err := tx.QueryRow(ctx, `SELECT count(*) FROM matched`).Scan(&stats.Matched); err != nil {
			return err
		}
		if !e.SkipSafetyCheck && observed > 0 &&
			float64(stats.Matched)/float64(observed) > cond.MaxAllowedMatchingRatio {
			return &SafetyError{
				Label:    cond.Label,
				Matched:  stats.Matched,
				Observed: observed,
				MaxRatio: cond.MaxAllowedMatchingRatio,
			}
		}

		return e.reconcile(ctx, tx, cond, runID, &stats)
	})
	if err != nil {
		return stats, err
	}
	e.Log.Info("condition classified",
		"condition", cond.Label, "matched", stats.Matched,
		"inserted", stats.Inserted, "closed", stats.Closed)
	return stats, nil
}

// matchingSetSQL composes the condition's dimensions into one set
// expression: the intersection of each dimension's set, with inverted
// dimensions contributing the observed universe minus their set.
func (e *Engine) matchingSetSQL(cond Condition, q *queryArgs, lo, hi int) string {
	parts := make([]string, len(cond.Dimensions))
	for i, bd := range cond.Dimensions {
		sql := bd.dim.matchSQL(q, lo, hi, e.CurrDate)
		if bd.invert {
			universe := fmt.Sprintf(
				`SELECT imei_norm FROM network_imeis WHERE virt_imei_shard BETWEEN %s AND %s`,
				q.bind(lo), q.bind(hi))
			sql = fmt.Sprintf("(%s) EXCEPT (%s)", universe, sql)
		}
		parts[i] = "(" + sql + ")"
	}
	return strings.Join(parts, " INTERSECT ")
}

// reconcile applies the state transitions for one condition: open rows for
// new matches, close rows that stopped matching (unless sticky), leave
// matching open rows untouched so the grace countdown is preserved.
func (e *Engine) reconcile(ctx context.Context, tx pgx.Tx, cond Condition, runID int64, stats *conditionStats) error {
	if !cond.Sticky {
		tag, err := tx.Exec(ctx, `
			UPDATE classification_state cs SET end_date = $2
			WHERE cs.cond_name = $1 AND cs.end_date IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM matched m
				WHERE m.virt_imei_shard = cs.virt_imei_shard AND m.imei_norm = cs.imei_norm)`,
			cond.Label, e.CurrDate)
		if err != nil {
			return fmt.Errorf("failed to close resolved rows: %w", err)
		}
		stats.Closed = tag.RowsAffected()
	}

	amnestyEval := e.Amnesty.Enabled && cond.AmnestyEligible &&
		!e.CurrDate.After(e.Amnesty.EvaluationPeriodEndDate.Time)

	var blockDate any
	if cond.Blocking {
		blockDate = cond.BlockDate(e.CurrDate)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO classification_state
		    (imei_norm, cond_name, run_id, start_date, block_date, amnesty_granted, virt_imei_shard)
		SELECT m.imei_norm, $1, $2, $3::date,
		       CASE WHEN $6::bool AND n.imei_norm IS NOT NULL THEN NULL ELSE $4::date END,
		       $6::bool AND n.imei_norm IS NOT NULL,
		       m.virt_imei_shard
		FROM matched m
		LEFT JOIN network_imeis n
		       ON n.virt_imei_shard = m.virt_imei_shard AND n.imei_norm = m.imei_norm
		      AND n.first_seen <= $5::date
		WHERE NOT EXISTS (
			SELECT 1 FROM classification_state cs
			WHERE cs.virt_imei_shard = m.virt_imei_shard
			  AND cs.imei_norm = m.imei_norm
			  AND cs.cond_name = $1 AND cs.end_date IS NULL)`,
		cond.Label, runID, e.CurrDate, blockDate,
		e.Amnesty.EvaluationPeriodEndDate.Time, amnestyEval)
	if err != nil {
		return fmt.Errorf("failed to insert new rows: %w", err)
	}
	stats.Inserted = tag.RowsAffected()

	// Once the evaluation period is over, amnesty rows get their block date:
	// the end of the amnesty period itself.
	if e.Amnesty.Enabled && cond.AmnestyEligible && e.CurrDate.After(e.Amnesty.EvaluationPeriodEndDate.Time) {
		if _, err := tx.Exec(ctx, `
			UPDATE classification_state SET block_date = $2
			WHERE cond_name = $1 AND end_date IS NULL
			  AND amnesty_granted AND block_date IS NULL`,
			cond.Label, e.Amnesty.AmnestyPeriodEndDate.Time); err != nil {
			return fmt.Errorf("failed to set amnesty block dates: %w", err)
		}
	}
	return nil
}

// closeRetiredConditions closes open rows belonging to conditions that are
// no longer configured.
func (e *Engine) closeRetiredConditions(ctx context.Context) error {
	labels := e.ConfiguredLabels
	if len(labels) == 0 {
		labels = make([]string, len(e.Conditions))
		for i, c := range e.Conditions {
			labels[i] = c.Label
		}
	}
	tag, err := e.Pool.Exec(ctx, `
		UPDATE classification_state SET end_date = $1
		WHERE end_date IS NULL AND NOT (cond_name = ANY($2))`,
		e.CurrDate, labels)
	if err != nil {
		return fmt.Errorf("failed to close retired conditions: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		e.Log.Info("closed rows of retired conditions", "rows", n)
	}
	return nil
}

func (e *Engine) countException(label string) {
	name := dirbsstatsd.ExceptionName("classify." + label)
	if err := e.Statsd.Incr(name, nil, 1); err != nil {
		e.Log.Debug("statsd increment failed", "metric", name, "error", err)
	}
}
