// Package prune removes aged-out data: monthly network triplet partitions
// past the retention window, closed classification rows past retention, and
// open classification rows for conditions no longer configured.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

type Pruner struct {
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Log        *slog.Logger
	Conditions []config.Condition
	// RetentionMonths is the number of whole months kept, counted back from
	// the start of the current month.
	RetentionMonths int
	CurrDate        time.Time
}

// monthSuffix matches the trailing _<year>_<month> of a month partition name.
var monthSuffix = regexp.MustCompile(`_([0-9]{4})_([0-9]{1,2})$`)

// cutoff returns the first month still retained. Partitions strictly before
// it are dropped.
func (p *Pruner) cutoff() (year, month int) {
	t := time.Date(p.CurrDate.Year(), p.CurrDate.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, -p.RetentionMonths, 0)
	return t.Year(), int(t.Month())
}

// Triplets drops monthly network triplet partitions older than the retention
// window and returns the dropped partition names.
func (p *Pruner) Triplets(ctx context.Context, runID int64) ([]string, error) {
	cy, cm := p.cutoff()

	rows, err := p.Pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class parent ON parent.oid = i.inhparent
		WHERE c.relkind = 'r'
		  AND (parent.relname = 'monthly_network_triplets_country'
		       OR parent.relname LIKE 'monthly_network_triplets_per_mno\_%')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triplet partitions: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dropped []string
	for _, name := range candidates {
		m := monthSuffix.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if y > cy || (y == cy && mo >= cm) {
			continue
		}
		if _, err := p.Pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{name}.Sanitize())); err != nil {
			return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
		}
		p.Log.Info("dropped triplet partition", "partition", name)
		dropped = append(dropped, name)
	}

	err = p.Metadata.Annotate(ctx, runID, map[string]any{
		"retention_months":   p.RetentionMonths,
		"dropped_partitions": dropped,
	})
	return dropped, err
}

// ClassificationState deletes closed classification rows whose end_date is
// older than the retention window.
func (p *Pruner) ClassificationState(ctx context.Context, runID int64) (int64, error) {
	cy, cm := p.cutoff()
	cutoffDate := time.Date(cy, time.Month(cm), 1, 0, 0, 0, 0, time.UTC)

	var deleted int64
	err := db.WithTxRetry(ctx, p.Log, p.Pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		if err := db.AcquireListLock(ctx, tx, "classification_state"); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM classification_state
			WHERE end_date IS NOT NULL AND end_date < $1`, cutoffDate)
		if err != nil {
			return fmt.Errorf("failed to delete closed classification rows: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.Log.Info("pruned classification state", "deleted", deleted, "cutoff", cutoffDate.Format("2006-01-02"))

	err = p.Metadata.Annotate(ctx, runID, map[string]any{
		"retention_months": p.RetentionMonths,
		"rows_deleted":     deleted,
	})
	return deleted, err
}

// Blacklist closes open classification rows for conditions that are no
// longer configured, so retired conditions stop contributing to blocking.
func (p *Pruner) Blacklist(ctx context.Context, runID int64) (int64, error) {
	names := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		names = append(names, c.Label)
	}

	var closed int64
	err := db.WithTxRetry(ctx, p.Log, p.Pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		if err := db.AcquireListLock(ctx, tx, "classification_state"); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE classification_state
			SET end_date = $1
			WHERE end_date IS NULL AND NOT (cond_name = ANY($2))`,
			p.CurrDate, names)
		if err != nil {
			return fmt.Errorf("failed to close rows for retired conditions: %w", err)
		}
		closed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.Log.Info("closed classification rows for retired conditions", "closed", closed)

	err = p.Metadata.Annotate(ctx, runID, map[string]any{
		"configured_conditions": names,
		"rows_closed":           closed,
	})
	return closed, err
}
