package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// changeCounts are the sizes of the three disjoint change sets computed for
// one apply. The post-commit live count delta always equals Adds - Removes.
type changeCounts struct {
	Adds    int64
	Removes int64
	Updates int64
}

func (c changeCounts) total() int64 { return c.Adds + c.Removes + c.Updates }

// pkJoin renders an equality join between two aliases over the spec's
// primary key columns.
func pkJoin(spec *Spec, a, b string) string {
	parts := make([]string, len(spec.PKColumns))
	for i, col := range spec.PKColumns {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", a, col, b, col)
	}
	return strings.Join(parts, " AND ")
}

func pkList(spec *Spec, alias string) string {
	parts := make([]string, len(spec.PKColumns))
	for i, col := range spec.PKColumns {
		if alias != "" {
			parts[i] = alias + "." + col
		} else {
			parts[i] = col
		}
	}
	return strings.Join(parts, ", ")
}

// rowHashExpr renders the md5 payload hash used to detect UPDATE rows. NULLs
// and empty strings hash identically, which collapses the two into one
// version instead of churning history over a distinction no reader can see.
// Payload-free lists hash to a constant: membership is the whole payload.
func rowHashExpr(spec *Spec, alias string) string {
	if len(spec.PayloadColumns) == 0 {
		return "''"
	}
	parts := make([]string, len(spec.PayloadColumns))
	for i, col := range spec.PayloadColumns {
		parts[i] = fmt.Sprintf("COALESCE(%s.%s::text, '')", alias, col)
	}
	return fmt.Sprintf("md5(concat_ws('|', %s))", strings.Join(parts, ", "))
}

// computeChanges materializes the ADD/REMOVE/UPDATE sets into a temp table
// named changes, scoped to the transaction. In full-snapshot mode the sets
// are derived by a full outer join of staging against the live view; in
// delta mode the staged change_type column is authoritative.
func computeChanges(ctx context.Context, tx pgx.Tx, spec *Spec, stagingTable string, delta bool) (changeCounts, error) {
	var sql string
	if delta {
		sql = fmt.Sprintf(`
			CREATE TEMP TABLE changes ON COMMIT DROP AS
			SELECT DISTINCT %s, change_type
			FROM %s`,
			pkList(spec, ""), stagingTable)
	} else {
		coalesced := make([]string, len(spec.PKColumns))
		for i, col := range spec.PKColumns {
			coalesced[i] = fmt.Sprintf("COALESCE(s.%s, l.%s) AS %s", col, col, col)
		}
		sql = fmt.Sprintf(`
			CREATE TEMP TABLE changes ON COMMIT DROP AS
			WITH staged AS (
				SELECT DISTINCT ON (%s) %s, %s AS row_hash
				FROM %s st
				ORDER BY %s
			), live AS (
				SELECT %s, %s AS row_hash
				FROM %s h
				WHERE h.end_date IS NULL
			)
			SELECT %s,
			       CASE WHEN l.%s IS NULL THEN 'add'
			            WHEN s.%s IS NULL THEN 'remove'
			            WHEN s.row_hash <> l.row_hash THEN 'update'
			            ELSE 'none' END AS change_type
			FROM staged s
			FULL JOIN live l ON %s`,
			pkList(spec, "st"), pkList(spec, "st"), rowHashExpr(spec, "st"),
			stagingTable,
			pkList(spec, "st"),
			pkList(spec, "h"), rowHashExpr(spec, "h"),
			spec.HistoricTable,
			strings.Join(coalesced, ", "),
			spec.PKColumns[0], spec.PKColumns[0],
			pkJoin(spec, "s", "l"))
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		return changeCounts{}, fmt.Errorf("failed to compute change sets: %w", err)
	}
	if !delta {
		if _, err := tx.Exec(ctx, `DELETE FROM changes WHERE change_type = 'none'`); err != nil {
			return changeCounts{}, fmt.Errorf("failed to trim unchanged rows: %w", err)
		}
	}

	var counts changeCounts
	err := tx.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE change_type = 'add'),
		       count(*) FILTER (WHERE change_type = 'remove'),
		       count(*) FILTER (WHERE change_type = 'update')
		FROM changes`).Scan(&counts.Adds, &counts.Removes, &counts.Updates)
	if err != nil {
		return changeCounts{}, fmt.Errorf("failed to count change sets: %w", err)
	}
	return counts, nil
}

// applyChanges executes the SCD-2 transition: close the live row of every
// REMOVE and UPDATE key, then insert a fresh open row for every ADD and
// UPDATE key. Both statements see the same now() so history never has a gap.
func applyChanges(ctx context.Context, tx pgx.Tx, spec *Spec, stagingTable string) error {
	closeSQL := fmt.Sprintf(`
		UPDATE %s h SET end_date = now()
		FROM changes c
		WHERE c.change_type IN ('remove', 'update')
		  AND h.end_date IS NULL
		  AND %s`,
		spec.HistoricTable, pkJoin(spec, "h", "c"))
	if _, err := tx.Exec(ctx, closeSQL); err != nil {
		return fmt.Errorf("failed to close superseded rows: %w", err)
	}

	cols := append(append([]string{}, spec.PKColumns...), spec.PayloadColumns...)
	if spec.Sharded {
		cols = append(cols, "virt_imei_shard")
	}
	selectCols := make([]string, len(cols))
	for i, col := range cols {
		selectCols[i] = "s." + col
	}
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT DISTINCT ON (%s) %s
		FROM %s s
		JOIN changes c ON %s
		WHERE c.change_type IN ('add', 'update')
		ORDER BY %s`,
		spec.HistoricTable, strings.Join(cols, ", "),
		pkList(spec, "s"), strings.Join(selectCols, ", "),
		stagingTable,
		pkJoin(spec, "s", "c"),
		pkList(spec, "s"))
	if _, err := tx.Exec(ctx, insertSQL); err != nil {
		return fmt.Errorf("failed to insert new versions: %w", err)
	}
	return nil
}
