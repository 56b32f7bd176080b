package importer

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Prevalidated is the outcome of a successful pre-validation: the input
// split into batch CSV files (each carrying the header) under a per-run temp
// directory, plus what was learned about the file on the way through.
type Prevalidated struct {
	// Batches are the batch file paths in input order, at least one even for
	// an empty input.
	Batches []string
	// Delta reports whether the file carried a change_type column.
	Delta bool
	// Extra holds the trailing header names beyond the declared schema, for
	// schemas that tolerate them.
	Extra []string
	// Rows is the number of data rows across all batches.
	Rows int64
	// TmpDir holds the batches; the caller removes it at end of run.
	TmpDir string
}

// Prevalidate unwraps the zip, checks the filename convention, validates
// every row against the spec's schema (snapshot or delta form, detected from
// the header) and splits the input into batch files of batchSize rows.
func Prevalidate(spec *Spec, zipPath string, batchSize int, tmpRoot string) (*Prevalidated, error) {
	csvName, reader, closeZip, err := openZippedCSV(zipPath)
	if err != nil {
		return nil, err
	}
	defer closeZip()

	tmpDir, err := os.MkdirTemp(tmpRoot, "dirbs_import_"+spec.ListType+"_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create import temp dir: %w", err)
	}

	result, err := validateAndSplit(spec, csvName, reader, batchSize, tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	result.TmpDir = tmpDir
	return result, nil
}

// openZippedCSV opens the single CSV inside the zip. The CSV stem must match
// the zip stem exactly.
func openZippedCSV(zipPath string) (name string, r io.Reader, closeFn func(), err error) {
	base := filepath.Base(zipPath)
	if !strings.EqualFold(filepath.Ext(base), ".zip") {
		return "", nil, nil, prevalErr(base, "input must be a .zip file")
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", nil, nil, prevalErr(base, "not a valid zip file: %v", err)
	}

	var entry *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if entry != nil {
			zr.Close()
			return "", nil, nil, prevalErr(base, "zip must contain exactly one file, found %q and %q", entry.Name, f.Name)
		}
		entry = f
	}
	if entry == nil {
		zr.Close()
		return "", nil, nil, prevalErr(base, "zip contains no files")
	}

	csvBase := filepath.Base(entry.Name)
	if !strings.EqualFold(filepath.Ext(csvBase), ".csv") && !strings.EqualFold(filepath.Ext(csvBase), ".txt") {
		zr.Close()
		return "", nil, nil, prevalErr(base, "zip member %q is not a .csv or .txt file", entry.Name)
	}
	zipStem := strings.TrimSuffix(base, filepath.Ext(base))
	csvStem := strings.TrimSuffix(csvBase, filepath.Ext(csvBase))
	if !strings.EqualFold(zipStem, csvStem) {
		zr.Close()
		return "", nil, nil, prevalErr(base, "zip member stem %q does not match zip stem %q", csvStem, zipStem)
	}

	rc, err := entry.Open()
	if err != nil {
		zr.Close()
		return "", nil, nil, prevalErr(base, "cannot open zip member %q: %v", entry.Name, err)
	}
	return csvBase, rc, func() { rc.Close(); zr.Close() }, nil
}

func validateAndSplit(spec *Spec, csvName string, r io.Reader, batchSize int, tmpDir string) (*Prevalidated, error) {
	cr := csv.NewReader(r)
	cr.Comma = spec.Schema.delimiter()
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, prevalErr(csvName, "file is empty, header row required")
	}
	if err != nil {
		return nil, prevalErr(csvName, "cannot read header: %v", err)
	}

	// Detect delta form from the header: the column right after the declared
	// set being change_type selects the delta schema.
	schema := spec.Schema
	delta := len(header) > len(schema.Columns) &&
		strings.EqualFold(strings.TrimSpace(header[len(schema.Columns)]), "change_type")
	if delta {
		schema = spec.DeltaSchema()
	}
	extra, err := schema.CheckHeader(header)
	if err != nil {
		return nil, prevalErr(csvName, "header: %v", err)
	}

	result := &Prevalidated{Delta: delta, Extra: extra}
	w := &batchWriter{
		dir:       tmpDir,
		header:    header,
		delimiter: schema.delimiter(),
		batchSize: batchSize,
	}
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, prevalErr(csvName, "line %d: %v", line, err)
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if err := schema.CheckRecord(record, line); err != nil {
			return nil, &PrevalidationError{File: csvName, Line: line, Reason: err.Error()}
		}
		if err := w.write(record); err != nil {
			return nil, err
		}
		result.Rows++
	}
	// An empty import is still an import; it needs one batch so the rest of
	// the pipeline sees it.
	if err := w.finish(); err != nil {
		return nil, err
	}
	result.Batches = w.paths
	return result, nil
}

// batchWriter splits validated records into numbered batch files, each with
// the header row.
type batchWriter struct {
	dir       string
	header    []string
	delimiter rune
	batchSize int

	paths   []string
	file    *os.File
	writer  *csv.Writer
	inBatch int
}

func (w *batchWriter) open() error {
	path := filepath.Join(w.dir, fmt.Sprintf("batch_%04d.csv", len(w.paths)+1))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create batch file: %w", err)
	}
	w.file = f
	w.writer = csv.NewWriter(f)
	w.writer.Comma = w.delimiter
	w.inBatch = 0
	w.paths = append(w.paths, path)
	return w.writer.Write(w.header)
}

func (w *batchWriter) write(record []string) error {
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write batch row: %w", err)
	}
	w.inBatch++
	if w.inBatch >= w.batchSize {
		return w.closeCurrent()
	}
	return nil
}

func (w *batchWriter) closeCurrent() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	w.file = nil
	return nil
}

func (w *batchWriter) finish() error {
	if w.file == nil && len(w.paths) == 0 {
		if err := w.open(); err != nil {
			return err
		}
	}
	if w.file != nil {
		return w.closeCurrent()
	}
	return nil
}

// ParseOperatorFilename checks the <operator_id>_<YYYYMMDD>_<YYYYMMDD>
// convention of operator data files and returns its parts. The reporting
// window must satisfy start <= end <= today.
func ParseOperatorFilename(path string, clock clockwork.Clock) (operatorID string, start, end time.Time, err error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(stem, "_")
	if len(parts) < 3 {
		return "", time.Time{}, time.Time{}, prevalErr(base, "filename must be <operator_id>_<YYYYMMDD>_<YYYYMMDD>")
	}
	operatorID = strings.ToLower(strings.Join(parts[:len(parts)-2], "_"))
	start, err = time.ParseInLocation("20060102", parts[len(parts)-2], time.UTC)
	if err != nil {
		return "", time.Time{}, time.Time{}, prevalErr(base, "bad start date %q", parts[len(parts)-2])
	}
	end, err = time.ParseInLocation("20060102", parts[len(parts)-1], time.UTC)
	if err != nil {
		return "", time.Time{}, time.Time{}, prevalErr(base, "bad end date %q", parts[len(parts)-1])
	}
	if end.Before(start) {
		return "", time.Time{}, time.Time{}, prevalErr(base, "start date %s after end date %s", parts[len(parts)-2], parts[len(parts)-1])
	}
	today := clock.Now().UTC().Truncate(24 * time.Hour)
	if end.After(today) {
		return "", time.Time{}, time.Time{}, prevalErr(base, "end date %s is in the future", parts[len(parts)-1])
	}
	return operatorID, start, end, nil
}

// stripChangeType removes the change_type field from a delta record so row
// mapping sees the snapshot layout, and returns its value.
func stripChangeType(record []string, schemaCols int) (data []string, changeType string) {
	changeType = record[schemaCols]
	data = slices.Delete(slices.Clone(record), schemaCols, schemaCols+1)
	return data, changeType
}
