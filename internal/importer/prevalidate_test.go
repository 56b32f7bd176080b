package importer_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/importer"
)

// writeZip builds a zip at dir/<zipName> containing one member per entry.
func writeZip(t *testing.T, dir, zipName string, members map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, zipName)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func stolenZip(t *testing.T, dir, stem, content string) string {
	t.Helper()
	return writeZip(t, dir, stem+".zip", map[string]string{stem + ".csv": content})
}

func TestPrevalidate(t *testing.T) {
	t.Parallel()
	spec := importer.Specs()["stolen_list"]

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := stolenZip(t, dir, "stolen_20260801",
			"imei,reporting_date,status\n64220297727231,20260720,\n3577280600306A,,\n")

		pv, err := importer.Prevalidate(spec, path, 100, dir)
		require.NoError(t, err)
		defer os.RemoveAll(pv.TmpDir)

		require.False(t, pv.Delta)
		require.EqualValues(t, 2, pv.Rows)
		require.Len(t, pv.Batches, 1)

		// Batches carry the header.
		b, err := os.ReadFile(pv.Batches[0])
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(b), "imei,reporting_date,status\n"))
	})

	t.Run("delta header selects the delta schema", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := stolenZip(t, dir, "stolen_delta",
			"imei,reporting_date,status,change_type\n64220297727231,20260720,,add\n12345678901234,,,remove\n")

		pv, err := importer.Prevalidate(spec, path, 100, dir)
		require.NoError(t, err)
		defer os.RemoveAll(pv.TmpDir)
		require.True(t, pv.Delta)
		require.EqualValues(t, 2, pv.Rows)
	})

	t.Run("uppercase change_type rejected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := stolenZip(t, dir, "stolen_bad",
			"imei,reporting_date,status,change_type\n64220297727231,,,ADD\n")

		_, err := importer.Prevalidate(spec, path, 100, dir)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, 2, perr.Line)
	})

	t.Run("batch splitting", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		var sb strings.Builder
		sb.WriteString("imei,reporting_date,status\n")
		for i := 0; i < 25; i++ {
			sb.WriteString("64220297727231,,\n")
		}
		path := stolenZip(t, dir, "stolen_many", sb.String())

		pv, err := importer.Prevalidate(spec, path, 10, dir)
		require.NoError(t, err)
		defer os.RemoveAll(pv.TmpDir)
		require.EqualValues(t, 25, pv.Rows)
		require.Len(t, pv.Batches, 3)
	})

	t.Run("empty input still yields one batch", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := stolenZip(t, dir, "stolen_empty", "imei,reporting_date,status\n")

		pv, err := importer.Prevalidate(spec, path, 10, dir)
		require.NoError(t, err)
		defer os.RemoveAll(pv.TmpDir)
		require.EqualValues(t, 0, pv.Rows)
		require.Len(t, pv.Batches, 1)
	})

	t.Run("zip with two members rejected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeZip(t, dir, "stolen_two.zip", map[string]string{
			"stolen_two.csv": "imei\n",
			"extra.csv":      "imei\n",
		})
		_, err := importer.Prevalidate(spec, path, 10, dir)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("member stem must match zip stem", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeZip(t, dir, "stolen_a.zip", map[string]string{"other.csv": "imei\n"})
		_, err := importer.Prevalidate(spec, path, 10, dir)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("not a zip", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "stolen.zip")
		require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))
		_, err := importer.Prevalidate(spec, path, 10, dir)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("bad imei rejected with line number", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := stolenZip(t, dir, "stolen_badimei",
			"imei,reporting_date,status\n64220297727231,,\nhello world,,\n")
		_, err := importer.Prevalidate(spec, path, 10, dir)
		var perr *importer.PrevalidationError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, 3, perr.Line)
	})
}

func TestParseOperatorFilename(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		op, start, end, err := importer.ParseOperatorFilename("/x/Operator1_20260701_20260731.zip", clock)
		require.NoError(t, err)
		require.Equal(t, "operator1", op)
		require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), start)
		require.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("operator id may contain underscores", func(t *testing.T) {
		t.Parallel()
		op, _, _, err := importer.ParseOperatorFilename("op_one_20260701_20260702.zip", clock)
		require.NoError(t, err)
		require.Equal(t, "op_one", op)
	})

	t.Run("start after end", func(t *testing.T) {
		t.Parallel()
		_, _, _, err := importer.ParseOperatorFilename("op_20260731_20260701.zip", clock)
		require.Error(t, err)
	})

	t.Run("future end date", func(t *testing.T) {
		t.Parallel()
		_, _, _, err := importer.ParseOperatorFilename("op_20260901_20260930.zip", clock)
		require.Error(t, err)
	})

	t.Run("missing window", func(t *testing.T) {
		t.Parallel()
		_, _, _, err := importer.ParseOperatorFilename("operator1.zip", clock)
		require.Error(t, err)
	})
}
