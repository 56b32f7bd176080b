package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
	dirbsstatsd "github.com/dirbs/dirbs-core/internal/statsd"
)

// OperatorListType is the list type name used for locks and metrics by the
// operator data importer.
const OperatorListType = "operator"

// operatorSchema is the v1 operator data schema; v2 appends rat. Fields
// other than the date may be empty, the null-ratio thresholds decide how
// many.
func operatorSchema(v2 bool) Schema {
	cols := []Column{
		{Name: "date", Pattern: compactDate},
		{Name: "imei", Pattern: imeiPattern, Nullable: true},
		{Name: "imsi", Pattern: imsiPattern, Nullable: true},
		{Name: "msisdn", Pattern: msisdnPattern, Nullable: true},
	}
	if v2 {
		cols = append(cols, Column{Name: "rat", Pattern: ratPattern, Nullable: true})
	}
	return Schema{Columns: cols}
}

// operatorSpec builds the staging-only spec driving pre-validation and
// loading of operator data. Operator imports never touch an SCD-2 table, so
// PK and payload stay empty.
func operatorSpec(v2 bool) *Spec {
	return &Spec{
		ListType: OperatorListType,
		Schema:   operatorSchema(v2),
		StagingDDL: []string{
			"connection_date DATE NOT NULL", "imei TEXT", "imsi TEXT", "msisdn TEXT",
			"rat TEXT", "rat_bitmask INTEGER",
			"imei_norm TEXT", "virt_imei_shard SMALLINT",
		},
		CopyColumns: []string{"connection_date", "imei", "imsi", "msisdn", "rat", "rat_bitmask"},
		MapRow: func(record, _ []string) ([]any, error) {
			date, err := parseDate(record[0])
			if err != nil {
				return nil, err
			}
			var rat, mask any
			if len(record) > 4 && record[4] != "" {
				rat = record[4]
				mask = RatBitmaskFromCodes(record[4])
			}
			return []any{date, nullable(record[1]), nullable(record[2]), nullable(record[3]), rat, mask}, nil
		},
		PostCopySQL: []string{`UPDATE %s SET imei_norm = normalize_imei(imei),
			virt_imei_shard = calc_virt_imei_shard(normalize_imei(imei))
			WHERE imei IS NOT NULL`},
	}
}

// OperatorImporter ingests one operator data file into the monthly triplet
// partitions and the network_imeis rollup.
type OperatorImporter struct {
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Statsd     statsd.ClientInterface
	Log        *slog.Logger
	Clock      clockwork.Clock
	Region     config.Region
	BatchSize  int
	Thresholds config.OperatorThresholds
	TmpDir     string
}

// OperatorResult summarizes a successful operator import.
type OperatorResult struct {
	OperatorID string
	Rows       int64
	Triplets   int64
}

// Run imports one operator zip. The operator id and reporting window come
// from the filename; rows dated outside the window are rejected outright.
func (i *OperatorImporter) Run(ctx context.Context, runID int64, zipPath string) (*OperatorResult, error) {
	result, err := i.run(ctx, runID, zipPath)
	if err != nil {
		opID := ""
		if result != nil {
			opID = result.OperatorID
		}
		i.countFailure(opID, err)
		return nil, err
	}
	return result, nil
}

func (i *OperatorImporter) run(ctx context.Context, runID int64, zipPath string) (*OperatorResult, error) {
	operatorID, start, end, err := ParseOperatorFilename(zipPath, i.Clock)
	if err != nil {
		return nil, err
	}
	result := &OperatorResult{OperatorID: operatorID}
	if _, ok := operatorByID(i.Region, operatorID); !ok {
		return result, prevalErr(zipPath, "operator %q is not configured", operatorID)
	}

	// The rat column in the header selects the v2 schema.
	v2, err := sniffOperatorV2(zipPath)
	if err != nil {
		return result, err
	}
	spec := operatorSpec(v2)

	pre, err := Prevalidate(spec, zipPath, i.BatchSize, i.TmpDir)
	if err != nil {
		return result, err
	}
	defer os.RemoveAll(pre.TmpDir)
	i.Log.Info("operator pre-validation passed",
		"operator_id", operatorID, "rows", pre.Rows, "batches", len(pre.Batches), "schema_v2", v2)

	st, err := createStaging(ctx, i.Log, i.Pool, spec, runID, pre)
	if err != nil {
		return result, err
	}
	defer st.drop(context.WithoutCancel(ctx))

	rows, err := st.load(ctx, pre)
	if err != nil {
		return result, err
	}
	result.Rows = rows

	if err := i.checkRowInvariants(ctx, st.table, operatorID, start, end, rows, v2); err != nil {
		return result, err
	}

	var triplets int64
	txOpts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	err = db.WithTxRetry(ctx, i.Log, i.Pool, txOpts, func(tx pgx.Tx) error {
		if err := db.AcquireListLock(ctx, tx, OperatorListType); err != nil {
			return fmt.Errorf("failed to acquire operator import lock: %w", err)
		}
		if err := createMonthPartitions(ctx, tx, st.table, operatorID); err != nil {
			return err
		}
		triplets, err = upsertTriplets(ctx, tx, st.table, operatorID)
		if err != nil {
			return err
		}
		return upsertNetworkIMEIs(ctx, tx, st.table)
	})
	if err != nil {
		return result, err
	}
	result.Triplets = triplets

	i.Log.Info("operator data applied",
		"operator_id", operatorID, "rows", rows, "triplets", triplets)
	return result, i.Metadata.Annotate(ctx, runID, map[string]any{
		"input_file":  zipPath,
		"operator_id": operatorID,
		"rows":        rows,
		"triplets":    triplets,
	})
}

// sniffOperatorV2 reads just the CSV header out of the zip and reports
// whether it carries the v2 rat column.
func sniffOperatorV2(zipPath string) (bool, error) {
	name, r, closeFn, err := openZippedCSV(zipPath)
	if err != nil {
		return false, err
	}
	defer closeFn()
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return false, prevalErr(name, "cannot read header: %v", err)
	}
	for _, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "rat") {
			return true, nil
		}
	}
	return false, nil
}

// checkRowInvariants applies the per-operator null-ratio and region caps on
// the staged rows. Any row dated outside the filename's reporting window is
// fatal regardless of ratios.
func (i *OperatorImporter) checkRowInvariants(ctx context.Context, table, operatorID string, start, end time.Time, rows int64, v2 bool) error {
	if rows == 0 {
		return nil
	}

	prefixes := i.Region.ImsiPrefixes()
	op, _ := operatorByID(i.Region, operatorID)
	homePrefixes := op.ImsiPrefixes()

	sql := fmt.Sprintf(`
		SELECT count(*) FILTER (WHERE connection_date < $1 OR connection_date > $2),
		       count(*) FILTER (WHERE imei IS NULL),
		       count(*) FILTER (WHERE imsi IS NULL),
		       count(*) FILTER (WHERE msisdn IS NULL),
		       count(*) FILTER (WHERE rat IS NULL),
		       count(*) FILTER (WHERE imei_norm ~ '^0'),
		       count(*) FILTER (WHERE imsi IS NOT NULL AND NOT imsi LIKE ANY($3)),
		       count(*) FILTER (WHERE imsi IS NOT NULL AND NOT imsi LIKE ANY($4))
		FROM %s`, table)

	var outOfWindow, nullIMEI, nullIMSI, nullMSISDN, nullRat, leadingZero, outOfRegion, nonHome int64
	err := i.Pool.QueryRow(ctx, sql, start, end, likePatterns(prefixes), likePatterns(homePrefixes)).Scan(
		&outOfWindow, &nullIMEI, &nullIMSI, &nullMSISDN, &nullRat, &leadingZero, &outOfRegion, &nonHome)
	if err != nil {
		return fmt.Errorf("failed to compute operator row invariants: %w", err)
	}

	if outOfWindow > 0 {
		return thresholdErr(OperatorListType, "reporting_window",
			"%d rows dated outside %s..%s", outOfWindow, start.Format("20060102"), end.Format("20060102"))
	}
	checks := []struct {
		name  string
		count int64
		limit float64
	}{
		{"null_imei_ratio", nullIMEI, i.Thresholds.NullImeiRatio},
		{"null_imsi_ratio", nullIMSI, i.Thresholds.NullImsiRatio},
		{"null_msisdn_ratio", nullMSISDN, i.Thresholds.NullMsisdnRatio},
		{"null_rat_ratio", nullRat, i.Thresholds.NullRatRatio},
		{"leading_zero_ratio", leadingZero, i.Thresholds.LeadingZeroRatio},
		{"out_of_region_imsi_ratio", outOfRegion, i.Thresholds.OutOfRegionImsiRatio},
		{"non_home_network_ratio", nonHome, i.Thresholds.NonHomeNetworkRatio},
	}
	for _, c := range checks {
		if len(prefixes) == 0 && (c.name == "out_of_region_imsi_ratio" || c.name == "non_home_network_ratio") {
			continue
		}
		// v1 files carry no rat column at all.
		if !v2 && c.name == "null_rat_ratio" {
			continue
		}
		if ratio := float64(c.count) / float64(rows); ratio > c.limit {
			return thresholdErr(OperatorListType, c.name,
				"%d of %d rows (%.3f) exceed the configured %.3f", c.count, rows, ratio, c.limit)
		}
	}
	return nil
}

func likePatterns(prefixes []string) []string {
	patterns := make([]string, len(prefixes))
	for i, p := range prefixes {
		patterns[i] = p + "%"
	}
	return patterns
}

func operatorByID(r config.Region, id string) (config.Operator, bool) {
	for _, op := range r.Operators {
		if op.ID == id {
			return op, true
		}
	}
	return config.Operator{}, false
}

// createMonthPartitions creates the per-operator and per-month partitions
// touched by this import. IF NOT EXISTS keeps re-imports cheap.
func createMonthPartitions(ctx context.Context, tx pgx.Tx, stagingTable, operatorID string) error {
	opChild := "monthly_network_triplets_per_mno_" + operatorID
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		PARTITION OF monthly_network_triplets_per_mno FOR VALUES IN ('%s')
		PARTITION BY RANGE (triplet_year, triplet_month)`, opChild, operatorID)
	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create operator partition %s: %w", opChild, err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT extract(year FROM connection_date)::int,
		                extract(month FROM connection_date)::int
		FROM %s`, stagingTable))
	if err != nil {
		return fmt.Errorf("failed to list staged months: %w", err)
	}
	defer rows.Close()

	type month struct{ y, m int }
	var months []month
	for rows.Next() {
		var mo month
		if err := rows.Scan(&mo.y, &mo.m); err != nil {
			return err
		}
		months = append(months, mo)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mo := range months {
		nextY, nextM := mo.y, mo.m+1
		if nextM > 12 {
			nextY, nextM = mo.y+1, 1
		}
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_%d_%d PARTITION OF %s
				FOR VALUES FROM (%d, %d) TO (%d, %d)`,
				opChild, mo.y, mo.m, opChild, mo.y, mo.m, nextY, nextM),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS monthly_network_triplets_country_%d_%d
				PARTITION OF monthly_network_triplets_country
				FOR VALUES FROM (%d, %d) TO (%d, %d)`,
				mo.y, mo.m, mo.y, mo.m, nextY, nextM),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create month partition %d-%d: %w", mo.y, mo.m, err)
			}
		}
	}
	return nil
}

// upsertTriplets merges the staged observations into the per-operator and
// country triplet tables, widening the seen window and the day bitmask of
// rows already present.
func upsertTriplets(ctx context.Context, tx pgx.Tx, stagingTable, operatorID string) (int64, error) {
	aggregate := fmt.Sprintf(`
		SELECT extract(year FROM connection_date)::smallint AS triplet_year,
		       extract(month FROM connection_date)::smallint AS triplet_month,
		       imei_norm, imsi, msisdn,
		       min(connection_date) AS first_seen,
		       max(connection_date) AS last_seen,
		       bit_or(1 << (extract(day FROM connection_date)::int - 1)) AS date_bitmask,
		       max(virt_imei_shard) AS virt_imei_shard
		FROM %s
		GROUP BY 1, 2, 3, 4, 5`, stagingTable)

	perMno := fmt.Sprintf(`
		INSERT INTO monthly_network_triplets_per_mno
		    (operator_id, triplet_year, triplet_month, imei_norm, imsi, msisdn,
		     first_seen, last_seen, date_bitmask, virt_imei_shard)
		SELECT $1, a.* FROM (%s) a
		ON CONFLICT (operator_id, triplet_year, triplet_month, imei_norm, imsi, msisdn)
		DO UPDATE SET
		    first_seen = LEAST(monthly_network_triplets_per_mno.first_seen, EXCLUDED.first_seen),
		    last_seen = GREATEST(monthly_network_triplets_per_mno.last_seen, EXCLUDED.last_seen),
		    date_bitmask = monthly_network_triplets_per_mno.date_bitmask | EXCLUDED.date_bitmask`,
		aggregate)
	tag, err := tx.Exec(ctx, perMno, operatorID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert operator triplets: %w", err)
	}
	triplets := tag.RowsAffected()

	country := fmt.Sprintf(`
		INSERT INTO monthly_network_triplets_country
		    (triplet_year, triplet_month, imei_norm, imsi, msisdn,
		     first_seen, last_seen, date_bitmask, virt_imei_shard)
		SELECT a.* FROM (%s) a
		ON CONFLICT (triplet_year, triplet_month, imei_norm, imsi, msisdn)
		DO UPDATE SET
		    first_seen = LEAST(monthly_network_triplets_country.first_seen, EXCLUDED.first_seen),
		    last_seen = GREATEST(monthly_network_triplets_country.last_seen, EXCLUDED.last_seen),
		    date_bitmask = monthly_network_triplets_country.date_bitmask | EXCLUDED.date_bitmask`,
		aggregate)
	if _, err := tx.Exec(ctx, country); err != nil {
		return 0, fmt.Errorf("failed to upsert country triplets: %w", err)
	}
	return triplets, nil
}

// upsertNetworkIMEIs maintains the distinct-IMEI rollup that classification
// dimensions run against.
func upsertNetworkIMEIs(ctx context.Context, tx pgx.Tx, stagingTable string) error {
	sql := fmt.Sprintf(`
		INSERT INTO network_imeis (imei_norm, first_seen, last_seen, seen_rat_bitmask, virt_imei_shard)
		SELECT imei_norm, min(connection_date), max(connection_date),
		       bit_or(rat_bitmask), virt_imei_shard
		FROM %s
		WHERE imei_norm IS NOT NULL
		GROUP BY imei_norm, virt_imei_shard
		ON CONFLICT (virt_imei_shard, imei_norm)
		DO UPDATE SET
		    first_seen = LEAST(network_imeis.first_seen, EXCLUDED.first_seen),
		    last_seen = GREATEST(network_imeis.last_seen, EXCLUDED.last_seen),
		    seen_rat_bitmask = COALESCE(network_imeis.seen_rat_bitmask, 0) | COALESCE(EXCLUDED.seen_rat_bitmask, 0)`,
		stagingTable)
	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to upsert network_imeis: %w", err)
	}
	return nil
}

func (i *OperatorImporter) countFailure(operatorID string, err error) {
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
	name := dirbsstatsd.ImportFailureName(OperatorListType, operatorID, reason)
	if err := i.Statsd.Incr(name, nil, 1); err != nil {
		i.Log.Debug("statsd increment failed", "metric", name, "error", err)
	}
}
