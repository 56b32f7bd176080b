package importer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Thresholds are the guard-rail settings applied before any historic write.
type Thresholds struct {
	// SizeVariationAbsolute and SizeVariationPercent bound how far one import
	// may move the live row count from the previous successful import. The
	// larger of the two bounds applies.
	SizeVariationAbsolute int64
	SizeVariationPercent  float64
	// DeltaSanityRatio is the tolerated fraction of delta rows that disagree
	// with the live set (add of a live key, remove or update of a dead one).
	// Zero means strict.
	DeltaSanityRatio float64
}

// checkSizeVariation rejects an import whose projected post-apply live count
// moves too far from the current one. A first import into an empty table is
// exempt, otherwise nothing could ever be bootstrapped.
func checkSizeVariation(ctx context.Context, tx pgx.Tx, spec *Spec, t Thresholds, counts changeCounts) error {
	var prev int64
	sql := fmt.Sprintf(`SELECT count(*) FROM %s WHERE end_date IS NULL`, spec.HistoricTable)
	if err := tx.QueryRow(ctx, sql).Scan(&prev); err != nil {
		return fmt.Errorf("failed to count live rows of %s: %w", spec.HistoricTable, err)
	}
	if prev == 0 {
		return nil
	}

	cur := prev + counts.Adds - counts.Removes
	variation := cur - prev
	if variation < 0 {
		variation = -variation
	}
	allowed := t.SizeVariationAbsolute
	if pct := int64(t.SizeVariationPercent * float64(prev)); pct > allowed {
		allowed = pct
	}
	if variation > allowed {
		return thresholdErr(spec.ListType, "historic_size_variation",
			"live count would move from %d to %d (change %d, allowed %d)",
			prev, cur, variation, allowed)
	}
	return nil
}

// checkDeltaSanity verifies an explicit delta against the live set: every
// add must target a key that is not live, every remove and update a key that
// is. Violations beyond the configured ratio reject the import.
func checkDeltaSanity(ctx context.Context, tx pgx.Tx, spec *Spec, t Thresholds, stagedRows int64) error {
	sql := fmt.Sprintf(`
		WITH live AS (
			SELECT %s FROM %s WHERE end_date IS NULL
		)
		SELECT count(*) FILTER (WHERE c.change_type = 'add' AND l.%s IS NOT NULL),
		       count(*) FILTER (WHERE c.change_type = 'remove' AND l.%s IS NULL),
		       count(*) FILTER (WHERE c.change_type = 'update' AND l.%s IS NULL)
		FROM changes c
		LEFT JOIN live l ON %s`,
		pkList(spec, ""), spec.HistoricTable,
		spec.PKColumns[0], spec.PKColumns[0], spec.PKColumns[0],
		pkJoin(spec, "c", "l"))

	var badAdds, badRemoves, badUpdates int64
	if err := tx.QueryRow(ctx, sql).Scan(&badAdds, &badRemoves, &badUpdates); err != nil {
		return fmt.Errorf("failed to run delta sanity check: %w", err)
	}
	violations := badAdds + badRemoves + badUpdates
	if violations == 0 {
		return nil
	}
	if stagedRows > 0 && float64(violations)/float64(stagedRows) <= t.DeltaSanityRatio {
		return nil
	}
	return thresholdErr(spec.ListType, "delta_sanity",
		"%d adds target live keys, %d removes and %d updates target keys not live (tolerated ratio %.3f)",
		badAdds, badRemoves, badUpdates, t.DeltaSanityRatio)
}
