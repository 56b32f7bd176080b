package listgen

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// applyAll reconciles the candidate temp tables into the run-versioned list
// tables. The same SCD idea as the historic importers, keyed by run id
// instead of time: retiring a row stamps end_run_id and rewrites
// delta_reason with the reason the row went away.
func (g *Generator) applyAll(ctx context.Context, tx pgx.Tx, runID int64, counts map[string]int64) error {
	if err := g.applyBlacklist(ctx, tx, runID); err != nil {
		return err
	}
	if err := g.applyNotifications(ctx, tx, runID); err != nil {
		return err
	}
	if err := g.applyExceptions(ctx, tx, runID); err != nil {
		return err
	}

	for name, sql := range map[string]string{
		"blacklist":     `SELECT count(*) FROM blacklist WHERE end_run_id IS NULL`,
		"notifications": `SELECT count(*) FROM notifications_lists WHERE end_run_id IS NULL`,
		"exceptions":    `SELECT count(*) FROM exceptions_lists WHERE end_run_id IS NULL`,
	} {
		var n int64
		if err := tx.QueryRow(ctx, sql).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", name, err)
		}
		counts[name] = n
	}
	return nil
}

func (g *Generator) applyBlacklist(ctx context.Context, tx pgx.Tx, runID int64) error {
	stmts := []struct {
		name string
		sql  string
	}{{
		"retire unblocked", `
		UPDATE blacklist b SET end_run_id = $1, delta_reason = 'unblocked'
		WHERE b.end_run_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM blacklist_new n WHERE n.imei_norm = b.imei_norm)`,
	}, {
		"retire changed", `
		UPDATE blacklist b SET end_run_id = $1, delta_reason = 'changed'
		FROM blacklist_new n
		WHERE b.end_run_id IS NULL AND n.imei_norm = b.imei_norm
		  AND (b.block_date <> n.block_date OR b.reasons <> n.reasons)`,
	}, {
		"insert", `
		INSERT INTO blacklist (imei_norm, virt_imei_shard, block_date, reasons, start_run_id, delta_reason)
		SELECT n.imei_norm, n.virt_imei_shard, n.block_date, n.reasons, $1,
		       CASE WHEN EXISTS (
		           SELECT 1 FROM blacklist prior
		           WHERE prior.imei_norm = n.imei_norm AND prior.end_run_id = $1)
		       THEN 'changed' ELSE 'blocked' END
		FROM blacklist_new n
		WHERE NOT EXISTS (
			SELECT 1 FROM blacklist live
			WHERE live.imei_norm = n.imei_norm AND live.end_run_id IS NULL)`,
	}}
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s.sql, runID); err != nil {
			return fmt.Errorf("blacklist apply (%s): %w", s.name, err)
		}
	}
	return nil
}

func (g *Generator) applyNotifications(ctx context.Context, tx pgx.Tx, runID int64) error {
	const key = `nl.operator_id = n.operator_id AND nl.imei_norm = n.imei_norm
		  AND nl.imsi = n.imsi AND nl.msisdn = n.msisdn`

	stmts := []struct {
		name string
		sql  string
		args []any
	}{{
		// An IMEI that crossed into the blacklist retires all its
		// notification rows as blacklisted, whatever else changed.
		"retire blacklisted", `
		UPDATE notifications_lists nl SET end_run_id = $1, delta_reason = 'blacklisted'
		WHERE nl.end_run_id IS NULL
		  AND EXISTS (SELECT 1 FROM blacklist_new b WHERE b.imei_norm = nl.imei_norm)`,
		[]any{runID},
	}, {
		// Gone from the candidate set with no pending block left: the
		// condition resolved.
		"retire resolved", `
		UPDATE notifications_lists nl SET end_run_id = $1, delta_reason = 'resolved'
		WHERE nl.end_run_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM notifications_new n WHERE ` + key + `)
		  AND NOT EXISTS (
			SELECT 1 FROM classification_state cs
			JOIN cond_reasons r ON r.cond_name = cs.cond_name AND r.blocking
			WHERE cs.imei_norm = nl.imei_norm AND cs.end_date IS NULL
			  AND cs.block_date IS NOT NULL AND cs.block_date > $2)`,
		[]any{runID, g.CurrDate},
	}, {
		// Still pending a block but the triplet fell out of the lookback
		// window (or gained pairing protection).
		"retire no_longer_seen", `
		UPDATE notifications_lists nl SET end_run_id = $1, delta_reason = 'no_longer_seen'
		WHERE nl.end_run_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM notifications_new n WHERE ` + key + `)`,
		[]any{runID},
	}, {
		"retire changed", `
		UPDATE notifications_lists nl SET end_run_id = $1, delta_reason = 'changed'
		FROM notifications_new n
		WHERE nl.end_run_id IS NULL AND ` + key + `
		  AND (nl.block_date <> n.block_date OR nl.reasons <> n.reasons
		       OR nl.amnesty_granted <> n.amnesty_granted)`,
		[]any{runID},
	}, {
		"insert", `
		INSERT INTO notifications_lists
		    (operator_id, imei_norm, virt_imei_shard, imsi, msisdn,
		     block_date, reasons, amnesty_granted, start_run_id, delta_reason)
		SELECT n.operator_id, n.imei_norm, n.virt_imei_shard, n.imsi, n.msisdn,
		       n.block_date, n.reasons, n.amnesty_granted, $1,
		       CASE WHEN EXISTS (
		           SELECT 1 FROM notifications_lists prior
		           WHERE prior.operator_id = n.operator_id AND prior.imei_norm = n.imei_norm
		             AND prior.imsi = n.imsi AND prior.msisdn = n.msisdn
		             AND prior.end_run_id = $1 AND prior.delta_reason = 'changed')
		       THEN 'changed' ELSE 'new' END
		FROM notifications_new n
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications_lists nl
			WHERE ` + key + ` AND nl.end_run_id IS NULL)`,
		[]any{runID},
	}}
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
			return fmt.Errorf("notifications apply (%s): %w", s.name, err)
		}
	}
	return nil
}

func (g *Generator) applyExceptions(ctx context.Context, tx pgx.Tx, runID int64) error {
	for _, op := range g.Operators {
		stmts := []struct {
			name string
			sql  string
		}{{
			"retire", `
			UPDATE exceptions_lists el SET end_run_id = $1, delta_reason = 'removed'
			WHERE el.operator_id = $2 AND el.end_run_id IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM exceptions_new n
				WHERE n.imei_norm = el.imei_norm AND n.imsi = el.imsi)`,
		}, {
			"insert", `
			INSERT INTO exceptions_lists
			    (operator_id, imei_norm, virt_imei_shard, imsi, start_run_id, delta_reason)
			SELECT $2, n.imei_norm, n.virt_imei_shard, n.imsi, $1, 'added'
			FROM exceptions_new n
			WHERE NOT EXISTS (
				SELECT 1 FROM exceptions_lists el
				WHERE el.operator_id = $2 AND el.imei_norm = n.imei_norm
				  AND el.imsi = n.imsi AND el.end_run_id IS NULL)`,
		}}
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s.sql, runID, op.ID); err != nil {
				return fmt.Errorf("exceptions apply for %s (%s): %w", op.ID, s.name, err)
			}
		}
	}
	return nil
}
