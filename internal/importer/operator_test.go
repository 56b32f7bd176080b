package importer_test

import (
	"context"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db/dbtest"
	"github.com/dirbs/dirbs-core/internal/importer"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

func testRegion() config.Region {
	return config.Region{
		Name:         "country1",
		CountryCodes: []string{"22"},
		Operators: []config.Operator{
			{ID: "operator1", Name: "Operator One", MccMncPairs: []config.MccMnc{{Mcc: "111", Mnc: "01"}}},
			{ID: "operator2", Name: "Operator Two", MccMncPairs: []config.MccMnc{{Mcc: "111", Mnc: "02"}}},
		},
	}
}

func newOperatorImporter(t *testing.T, pool *pgxpool.Pool) *importer.OperatorImporter {
	t.Helper()
	return &importer.OperatorImporter{
		Pool:      pool,
		Metadata:  metadata.New(pool),
		Statsd:    &statsd.NoOpClient{},
		Log:       dbtest.Logger(t),
		Clock:     clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)),
		Region:    testRegion(),
		BatchSize: 10,
		Thresholds: config.OperatorThresholds{
			NullImeiRatio:        0.5,
			NullImsiRatio:        0.5,
			NullMsisdnRatio:      0.5,
			NullRatRatio:         0.5,
			LeadingZeroRatio:     0.5,
			OutOfRegionImsiRatio: 0.5,
			NonHomeNetworkRatio:  0.5,
		},
	}
}

func TestOperatorImport(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	imp := newOperatorImporter(t, pool)
	dir := t.TempDir()

	content := "date,imei,imsi,msisdn,rat\n" +
		"20260701,64220297727231,11101123456789,22301234567,002|006\n" +
		"20260702,64220297727231,11101123456789,22301234567,006\n" +
		"20260703,35772806003061,11101999999999,22399999999,001\n"
	path := writeZip(t, dir, "operator1_20260701_20260705.zip",
		map[string]string{"operator1_20260701_20260705.csv": content})

	runID := startRun(t, pool, "operator")
	res, err := imp.Run(ctx, runID, path)
	require.NoError(t, err)
	require.Equal(t, "operator1", res.OperatorID)
	require.EqualValues(t, 3, res.Rows)
	require.EqualValues(t, 2, res.Triplets)

	// The repeated triplet is collapsed into one monthly row with a widened
	// window and the union of its day bits and RATs.
	require.Equal(t, 1, dbtest.Count(t, pool, `
		SELECT count(*) FROM monthly_network_triplets_per_mno
		WHERE operator_id = 'operator1' AND imei_norm = '64220297727231'
		  AND triplet_year = 2026 AND triplet_month = 7
		  AND first_seen = DATE '2026-07-01' AND last_seen = DATE '2026-07-02'
		  AND date_bitmask = 3`))
	require.Equal(t, 2, dbtest.Count(t, pool,
		`SELECT count(*) FROM monthly_network_triplets_country`))
	require.Equal(t, 1, dbtest.Count(t, pool, `
		SELECT count(*) FROM network_imeis
		WHERE imei_norm = '64220297727231' AND seen_rat_bitmask = 5`))

	t.Run("re-import widens rather than duplicates", func(t *testing.T) {
		content := "date,imei,imsi,msisdn,rat\n" +
			"20260704,64220297727231,11101123456789,22301234567,006\n"
		path := writeZip(t, dir, "operator1_20260701_20260706.zip",
			map[string]string{"operator1_20260701_20260706.csv": content})
		_, err := imp.Run(ctx, startRun(t, pool, "operator"), path)
		require.NoError(t, err)

		require.Equal(t, 1, dbtest.Count(t, pool, `
			SELECT count(*) FROM monthly_network_triplets_per_mno
			WHERE operator_id = 'operator1' AND imei_norm = '64220297727231'
			  AND last_seen = DATE '2026-07-04' AND date_bitmask = 11`))
	})

	t.Run("unconfigured operator rejected", func(t *testing.T) {
		path := writeZip(t, dir, "ghost_20260701_20260702.zip",
			map[string]string{"ghost_20260701_20260702.csv": "date,imei,imsi,msisdn\n"})
		_, err := imp.Run(ctx, startRun(t, pool, "operator"), path)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("row outside the reporting window is fatal", func(t *testing.T) {
		content := "date,imei,imsi,msisdn\n20260801,64220297727231,11101123456789,22301234567\n"
		path := writeZip(t, dir, "operator2_20260701_20260705.zip",
			map[string]string{"operator2_20260701_20260705.csv": content})
		_, err := imp.Run(ctx, startRun(t, pool, "operator"), path)
		require.Error(t, err)
	})

	t.Run("v1 schema without rat accepted", func(t *testing.T) {
		content := "date,imei,imsi,msisdn\n20260710,35772806003062,11102123456789,22301234568\n"
		path := writeZip(t, dir, "operator2_20260710_20260711.zip",
			map[string]string{"operator2_20260710_20260711.csv": content})
		res, err := imp.Run(ctx, startRun(t, pool, "operator"), path)
		require.NoError(t, err)
		require.EqualValues(t, 1, res.Triplets)
	})
}
