package importer_test

import (
	"context"
	"testing"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/db/dbtest"
	"github.com/dirbs/dirbs-core/internal/importer"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

func newImporter(t *testing.T, pool *pgxpool.Pool, listType string) *importer.Importer {
	t.Helper()
	spec, ok := importer.Specs()[listType]
	require.True(t, ok, "unknown list type %s", listType)
	return &importer.Importer{
		Spec:      spec,
		Pool:      pool,
		Metadata:  metadata.New(pool),
		Statsd:    &statsd.NoOpClient{},
		Log:       dbtest.Logger(t),
		BatchSize: 10,
		Thresholds: importer.Thresholds{
			SizeVariationAbsolute: 1000,
			SizeVariationPercent:  1.0,
		},
	}
}

func startRun(t *testing.T, pool *pgxpool.Pool, subcommand string) int64 {
	t.Helper()
	runID, err := metadata.New(pool).Start(context.Background(), "dirbs-import", subcommand)
	require.NoError(t, err)
	return runID
}

func TestImportStolenList(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	imp := newImporter(t, pool, "stolen_list")
	dir := t.TempDir()

	snapshot := func(stem, content string) (*importer.Result, error) {
		path := stolenZip(t, dir, stem, content)
		return imp.Run(ctx, startRun(t, pool, "stolen_list"), path)
	}

	res, err := snapshot("stolen_20260801_a",
		"imei,reporting_date,status\n"+
			"64220297727231,20260720,stolen\n"+
			"35772806003061,20260715,\n"+
			"12345678901234,,\n")
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Rows)
	require.EqualValues(t, 3, res.Adds)
	require.False(t, res.Delta)

	require.Equal(t, 3, dbtest.Count(t, pool, `SELECT count(*) FROM stolen_list`))
	require.Equal(t, 1, dbtest.Count(t, pool, `
		SELECT count(*) FROM historic_stolen_list
		WHERE imei_norm = '64220297727231' AND end_date IS NULL
		  AND virt_imei_shard = calc_virt_imei_shard('64220297727231')`))

	t.Run("re-import is idempotent", func(t *testing.T) {
		res, err := snapshot("stolen_20260801_b",
			"imei,reporting_date,status\n"+
				"64220297727231,20260720,stolen\n"+
				"35772806003061,20260715,\n"+
				"12345678901234,,\n")
		require.NoError(t, err)
		require.EqualValues(t, 0, res.Adds)
		require.EqualValues(t, 0, res.Removes)
		require.EqualValues(t, 0, res.Updates)
		require.Equal(t, 3, dbtest.Count(t, pool, `SELECT count(*) FROM historic_stolen_list`))
	})

	t.Run("snapshot diff closes and opens rows", func(t *testing.T) {
		// One removed, one updated, one added, one unchanged.
		res, err := snapshot("stolen_20260802",
			"imei,reporting_date,status\n"+
				"64220297727231,20260722,recovered\n"+
				"12345678901234,,\n"+
				"99999999999999,20260801,stolen\n")
		require.NoError(t, err)
		require.EqualValues(t, 1, res.Adds)
		require.EqualValues(t, 1, res.Removes)
		require.EqualValues(t, 1, res.Updates)

		require.Equal(t, 3, dbtest.Count(t, pool, `SELECT count(*) FROM stolen_list`))
		require.Equal(t, 0, dbtest.Count(t, pool,
			`SELECT count(*) FROM stolen_list WHERE imei_norm = '35772806003061'`))
		require.Equal(t, 1, dbtest.Count(t, pool, `
			SELECT count(*) FROM stolen_list
			WHERE imei_norm = '64220297727231' AND status = 'recovered'`))
		// The superseded version is retained closed.
		require.Equal(t, 1, dbtest.Count(t, pool, `
			SELECT count(*) FROM historic_stolen_list
			WHERE imei_norm = '64220297727231' AND end_date IS NOT NULL`))
	})
}

func TestImportStolenListDelta(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	imp := newImporter(t, pool, "stolen_list")
	dir := t.TempDir()

	run := func(stem, content string) (*importer.Result, error) {
		path := stolenZip(t, dir, stem, content)
		return imp.Run(ctx, startRun(t, pool, "stolen_list"), path)
	}

	_, err := run("stolen_base",
		"imei,reporting_date,status\n64220297727231,,\n35772806003061,,\n")
	require.NoError(t, err)

	res, err := run("stolen_delta1",
		"imei,reporting_date,status,change_type\n"+
			"35772806003061,,,remove\n"+
			"64220297727231,20260801,found,update\n"+
			"11111111111111,,,add\n")
	require.NoError(t, err)
	require.True(t, res.Delta)
	require.EqualValues(t, 1, res.Adds)
	require.EqualValues(t, 1, res.Removes)
	require.EqualValues(t, 1, res.Updates)

	require.Equal(t, 2, dbtest.Count(t, pool, `SELECT count(*) FROM stolen_list`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM stolen_list WHERE imei_norm = '64220297727231' AND status = 'found'`))
	require.Equal(t, 1, dbtest.Count(t, pool,
		`SELECT count(*) FROM stolen_list WHERE imei_norm = '11111111111111'`))

	t.Run("delta sanity rejects add of a live key", func(t *testing.T) {
		_, err := run("stolen_delta2",
			"imei,reporting_date,status,change_type\n11111111111111,,,add\n")
		var terr *importer.ThresholdError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, "delta_sanity", terr.Check)
		// Nothing applied.
		require.Equal(t, 2, dbtest.Count(t, pool, `SELECT count(*) FROM stolen_list`))
	})
}

func TestImportSizeVariationGuard(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	imp := newImporter(t, pool, "golden_list")
	imp.Thresholds = importer.Thresholds{SizeVariationAbsolute: 1, SizeVariationPercent: 0}
	dir := t.TempDir()

	run := func(stem, content string) (*importer.Result, error) {
		path := writeZip(t, dir, stem+".zip", map[string]string{stem + ".csv": content})
		return imp.Run(ctx, startRun(t, pool, "golden_list"), path)
	}

	// First import into an empty table is exempt from the guard.
	_, err := run("golden_a", "imei\n64220297727231\n35772806003061\n12345678901234\n")
	require.NoError(t, err)

	// Shrinking by two exceeds the absolute allowance of one.
	_, err = run("golden_b", "imei\n64220297727231\n")
	var terr *importer.ThresholdError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "historic_size_variation", terr.Check)
	require.Equal(t, 3, dbtest.Count(t, pool, `SELECT count(*) FROM golden_list`))
}

func TestImportGSMA(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	imp := newImporter(t, pool, "gsma_tac")
	dir := t.TempDir()

	content := "tac|manufacturer|model_name|bands|allocation_date|device_type|marketing_name\n" +
		"35772806|Acme|Phone X|GSM 900 / WCDMA FDD Band I / LTE BAND 3|2024-01-15|Smartphone|X Pro\n" +
		"64220297|Widget|Basic|GSM 900|15/03/2020|Feature phone|\n"

	path := writeZip(t, dir, "gsma_20260801.zip", map[string]string{"gsma_20260801.csv": content})
	res, err := imp.Run(ctx, startRun(t, pool, "gsma_tac"), path)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Rows)

	require.Equal(t, 2, dbtest.Count(t, pool, `SELECT count(*) FROM gsma_data`))
	require.Equal(t, 1, dbtest.Count(t, pool, `
		SELECT count(*) FROM gsma_data
		WHERE tac = '35772806'
		  AND rat_bitmask = 7
		  AND optional_fields->>'marketing_name' = 'X Pro'`))
	require.Equal(t, 1, dbtest.Count(t, pool, `
		SELECT count(*) FROM gsma_data
		WHERE tac = '64220297' AND allocation_date = DATE '2020-03-15'`))
}
