package classify_test

import (
	"context"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/classify"
	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db/dbtest"
	"github.com/dirbs/dirbs-core/internal/imei"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

var currDate = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, pool *pgxpool.Pool, conds []config.Condition) *classify.Engine {
	t.Helper()
	compiled, err := classify.Compile(conds)
	require.NoError(t, err)
	return &classify.Engine{
		Pool:       pool,
		Metadata:   metadata.New(pool),
		Statsd:     &statsd.NoOpClient{},
		Log:        dbtest.Logger(t),
		Conditions: compiled,
		CurrDate:   currDate,
		MaxWorkers: 2,
	}
}

func startRun(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	runID, err := metadata.New(pool).Start(context.Background(), "dirbs-classify", "")
	require.NoError(t, err)
	return runID
}

func seedObserved(t *testing.T, pool *pgxpool.Pool, imeis ...string) {
	t.Helper()
	for _, norm := range imeis {
		dbtest.Exec(t, pool, `
			INSERT INTO network_imeis (imei_norm, first_seen, last_seen, seen_rat_bitmask, virt_imei_shard)
			VALUES ($1, '2026-06-01', '2026-07-15', 4, $2)`,
			norm, imei.VirtShard(norm))
	}
}

func seedStolen(t *testing.T, pool *pgxpool.Pool, imeis ...string) {
	t.Helper()
	for _, norm := range imeis {
		dbtest.Exec(t, pool, `
			INSERT INTO historic_stolen_list (imei_norm, reporting_date, status, virt_imei_shard)
			VALUES ($1, '2026-07-01', NULL, $2)`,
			norm, imei.VirtShard(norm))
	}
}

func stolenCondition(sticky bool) config.Condition {
	return config.Condition{
		Label:                   "local_stolen",
		Reason:                  "IMEI found on local stolen list",
		GracePeriodDays:         30,
		Blocking:                true,
		Sticky:                  sticky,
		MaxAllowedMatchingRatio: 1.0,
		Dimensions:              []config.Dimension{{Module: "stolen_list"}},
	}
}

func TestClassifyStolen(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001", "35000000000002", "35000000000003")
	seedStolen(t, pool, "35000000000002")

	engine := newEngine(t, pool, []config.Condition{stolenCondition(false)})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))

	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
	var blockDate time.Time
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT block_date FROM classification_state
		WHERE imei_norm = '35000000000002' AND cond_name = 'local_stolen' AND end_date IS NULL`).
		Scan(&blockDate))
	require.Equal(t, currDate.AddDate(0, 0, 30), blockDate.UTC())

	// Second run with the same facts is a no-op: the open row keeps its
	// original block date.
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE cond_name = 'local_stolen'`))

	// Once the IMEI leaves the stolen list the row is closed.
	dbtest.Exec(t, pool, `UPDATE historic_stolen_list SET end_date = now()`)
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 0, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state
		 WHERE imei_norm = '35000000000002' AND end_date = $1`, currDate))
}

func TestClassifyStickyConditionStaysOpen(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001", "35000000000002")
	seedStolen(t, pool, "35000000000001")

	engine := newEngine(t, pool, []config.Condition{stolenCondition(true)})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))

	// Sticky rows survive the underlying fact being withdrawn.
	dbtest.Exec(t, pool, `UPDATE historic_stolen_list SET end_date = now()`)
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
}

func TestClassifyGoldenListExemption(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001", "35000000000002")
	seedStolen(t, pool, "35000000000001", "35000000000002")
	dbtest.Exec(t, pool, `
		INSERT INTO historic_golden_list (imei_norm, virt_imei_shard)
		VALUES ($1, $2)`,
		"35000000000001", imei.VirtShard("35000000000001"))

	engine := newEngine(t, pool, []config.Condition{stolenCondition(false)})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))

	require.Equal(t, 0, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE imei_norm = '35000000000001'`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE imei_norm = '35000000000002'`))
}

func TestClassifySafetyCheck(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	// No GSMA data at all, so gsma_not_found matches every observed IMEI.
	seedObserved(t, pool, "35000000000001", "35000000000002", "35000000000003")

	cond := config.Condition{
		Label:                   "gsma_not_found",
		Reason:                  "TAC not found in GSMA TAC database",
		Blocking:                true,
		MaxAllowedMatchingRatio: 0.1,
		Dimensions:              []config.Dimension{{Module: "gsma_not_found"}},
	}
	engine := newEngine(t, pool, []config.Condition{cond})

	err := engine.Run(ctx, startRun(t, pool))
	var safetyErr *classify.SafetyError
	require.ErrorAs(t, err, &safetyErr)
	require.Equal(t, "gsma_not_found", safetyErr.Label)
	require.EqualValues(t, 3, safetyErr.Matched)
	require.Equal(t, 0, dbtest.Count(t, pool, `SELECT count(*) FROM classification_state`))

	// --no-safety-check lets the condition through.
	engine.SkipSafetyCheck = true
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 3, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
}

func TestClassifyClosesRetiredConditions(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001")
	seedStolen(t, pool, "35000000000001")

	engine := newEngine(t, pool, []config.Condition{stolenCondition(false)})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))

	// Drop the condition from config; its open rows close on the next run.
	malformed := config.Condition{
		Label:                   "malformed",
		Reason:                  "Malformed IMEI",
		MaxAllowedMatchingRatio: 1.0,
		Dimensions:              []config.Dimension{{Module: "malformed_imei"}},
	}
	engine = newEngine(t, pool, []config.Condition{malformed})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 0, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state
		 WHERE cond_name = 'local_stolen' AND end_date = $1`, currDate))
}

func TestClassifySubsetKeepsUnselectedConditions(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001")
	seedStolen(t, pool, "35000000000001")

	stolen := stolenCondition(true)
	malformed := config.Condition{
		Label:                   "malformed",
		Reason:                  "Malformed IMEI",
		MaxAllowedMatchingRatio: 1.0,
		Dimensions:              []config.Dimension{{Module: "malformed_imei"}},
	}

	engine := newEngine(t, pool, []config.Condition{stolen, malformed})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state
		 WHERE cond_name = 'local_stolen' AND end_date IS NULL`))

	// --conditions narrows the run but not the configured set: the stolen
	// condition is still in config, so its open rows must survive a run
	// that only evaluates the other condition.
	engine = newEngine(t, pool, []config.Condition{malformed})
	engine.ConfiguredLabels = []string{stolen.Label, malformed.Label}
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state
		 WHERE cond_name = 'local_stolen' AND end_date IS NULL`))

	// Dropping it from the configured set is what retires it.
	engine.ConfiguredLabels = []string{malformed.Label}
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.Equal(t, 0, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state
		 WHERE cond_name = 'local_stolen' AND end_date IS NULL`))
}

func TestClassifyInvertedDimension(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001", "35000000000002")
	dbtest.Exec(t, pool, `
		INSERT INTO historic_registration_list (imei_norm, status, virt_imei_shard)
		VALUES ($1, 'whitelist', $2)`,
		"35000000000001", imei.VirtShard("35000000000001"))

	// Inverting not_on_registration_list yields the registered set.
	cond := config.Condition{
		Label:                   "is_registered",
		Reason:                  "IMEI is registered",
		MaxAllowedMatchingRatio: 1.0,
		Dimensions:              []config.Dimension{{Module: "not_on_registration_list", Invert: true}},
	}
	engine := newEngine(t, pool, []config.Condition{cond})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))

	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE imei_norm = '35000000000001'`))
}

func TestClassifyDuplicateThreshold(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001", "35000000000002")
	dbtest.Exec(t, pool, `
		CREATE TABLE IF NOT EXISTS monthly_network_triplets_country_2026_7
		PARTITION OF monthly_network_triplets_country
		FOR VALUES FROM (2026, 7) TO (2026, 8)`)
	addTriplet := func(norm, imsi string) {
		dbtest.Exec(t, pool, `
			INSERT INTO monthly_network_triplets_country
			    (triplet_year, triplet_month, imei_norm, imsi, msisdn,
			     first_seen, last_seen, date_bitmask, virt_imei_shard)
			VALUES (2026, 7, $1, $2, '123456789', '2026-07-10', '2026-07-12', 7, $3)`,
			norm, imsi, imei.VirtShard(norm))
	}
	addTriplet("35000000000001", "111018888880001")
	addTriplet("35000000000001", "111018888880002")
	addTriplet("35000000000001", "111018888880003")
	addTriplet("35000000000002", "111018888880004")

	cond := config.Condition{
		Label:                   "duplicate_mk1",
		Reason:                  "Duplicate IMEI detected",
		GracePeriodDays:         60,
		Blocking:                true,
		Sticky:                  true,
		MaxAllowedMatchingRatio: 1.0,
		Dimensions: []config.Dimension{{
			Module:     "duplicate_threshold",
			Parameters: map[string]any{"threshold": 3, "period_days": 120},
		}},
	}
	engine := newEngine(t, pool, []config.Condition{cond})
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))

	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE end_date IS NULL`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM classification_state WHERE imei_norm = '35000000000001'`))
}

func TestClassifyAmnesty(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()

	seedObserved(t, pool, "35000000000001")
	seedStolen(t, pool, "35000000000001")

	evalEnd := config.Date{Time: time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)}
	amnestyEnd := config.Date{Time: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)}
	cond := stolenCondition(false)
	cond.AmnestyEligible = true

	engine := newEngine(t, pool, []config.Condition{cond})
	engine.Amnesty = config.Amnesty{
		Enabled:                 true,
		EvaluationPeriodEndDate: evalEnd,
		AmnestyPeriodEndDate:    amnestyEnd,
	}
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))

	// Device was on the network before the evaluation period closed, so it
	// gets amnesty: no block date yet.
	var granted bool
	var blockDate *time.Time
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT amnesty_granted, block_date FROM classification_state
		WHERE imei_norm = '35000000000001' AND end_date IS NULL`).Scan(&granted, &blockDate))
	require.True(t, granted)
	require.Nil(t, blockDate)

	// After the evaluation period the amnesty row gets the amnesty end date
	// as its block date.
	engine.CurrDate = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, engine.Run(ctx, startRun(t, pool)))
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT amnesty_granted, block_date FROM classification_state
		WHERE imei_norm = '35000000000001' AND end_date IS NULL`).Scan(&granted, &blockDate))
	require.True(t, granted)
	require.NotNil(t, blockDate)
	require.Equal(t, amnestyEnd.Time, blockDate.UTC())
}

func TestCompileRejectsBadDimensions(t *testing.T) {
	t.Parallel()

	_, err := classify.Compile([]config.Condition{{
		Label:      "bad",
		Dimensions: []config.Dimension{{Module: "no_such_module"}},
	}})
	require.ErrorContains(t, err, "unknown dimension module")

	_, err = classify.Compile([]config.Condition{{
		Label: "bad_threshold",
		Dimensions: []config.Dimension{{
			Module:     "duplicate_threshold",
			Parameters: map[string]any{"threshold": 1},
		}},
	}})
	require.ErrorContains(t, err, "threshold must be >= 2")
}
