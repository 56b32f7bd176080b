package catalog_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/catalog"
	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db/dbtest"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

func writeZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("stolen.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("imei,reporting_date,status\n35000000000001,20260701,\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestHarvest(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	store := metadata.New(pool)

	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "stolen.zip"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bogus.zip"), []byte("not a zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	h := &catalog.Harvester{
		Pool:     pool,
		Metadata: store,
		Log:      dbtest.Logger(t),
		Config: config.Catalog{
			Prospectors: []config.Prospector{{FileType: "stolen_list", Paths: []string{dir}}},
		},
	}
	runID, err := store.Start(ctx, "dirbs-catalog", "")
	require.NoError(t, err)
	n, err := h.Run(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	type row struct {
		fileType string
		validZip *bool
		md5      string
	}
	get := func(name string) row {
		var r row
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT file_type, is_valid_zip, md5 FROM data_catalog WHERE filename = $1`,
			filepath.Join(dir, name)).Scan(&r.fileType, &r.validZip, &r.md5))
		return r
	}

	good := get("stolen.zip")
	require.Equal(t, "stolen_list", good.fileType)
	require.NotNil(t, good.validZip)
	require.True(t, *good.validZip)
	require.Len(t, good.md5, 32)

	bad := get("bogus.zip")
	require.NotNil(t, bad.validZip)
	require.False(t, *bad.validZip)

	// Zip validity only applies to .zip files.
	txt := get("notes.txt")
	require.Nil(t, txt.validZip)

	jobs, err := store.Query(ctx, metadata.Filter{RunID: runID})
	require.NoError(t, err)
	require.EqualValues(t, 3, jobs[0].ExtraMetadata["files_cataloged"])
}

func TestHarvestRepeatUpdatesLastSeen(t *testing.T) {
	t.Parallel()

	pool := dbtest.NewPool(t)
	ctx := context.Background()
	store := metadata.New(pool)

	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	h := &catalog.Harvester{
		Pool:     pool,
		Metadata: store,
		Log:      dbtest.Logger(t),
		Config: config.Catalog{
			Prospectors: []config.Prospector{{FileType: "operator", Paths: []string{dir}}},
		},
	}
	runID, err := store.Start(ctx, "dirbs-catalog", "")
	require.NoError(t, err)
	_, err = h.Run(ctx, runID)
	require.NoError(t, err)

	var firstMD5 string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT md5 FROM data_catalog WHERE filename = $1`, path).Scan(&firstMD5))

	// Same path, new content: one row, updated fingerprint.
	require.NoError(t, os.WriteFile(path, []byte("v2 content"), 0o644))
	_, err = h.Run(ctx, runID)
	require.NoError(t, err)

	require.Equal(t, 1, dbtest.Count(t, pool, `SELECT count(*) FROM data_catalog`))
	var secondMD5 string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT md5 FROM data_catalog WHERE filename = $1`, path).Scan(&secondMD5))
	require.NotEqual(t, firstMD5, secondMD5)
}
