package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// staging owns the per-run unlogged staging relation. It exists only for the
// run and is dropped on every exit path.
type staging struct {
	table string
	spec  *Spec
	delta bool
	extra []string
	pool  *pgxpool.Pool
	log   *slog.Logger
}

// createStaging creates the unlogged staging table for one import run. The
// table name carries the run id so a crashed run's leftovers never collide
// with the next one.
func createStaging(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, spec *Spec, runID int64, pre *Prevalidated) (*staging, error) {
	ddl := make([]string, 0, len(spec.StagingDDL)+1)
	ddl = append(ddl, spec.StagingDDL...)
	if pre.Delta {
		ddl = append(ddl, "change_type TEXT NOT NULL")
	}
	table := fmt.Sprintf("staging_%s_%d", spec.ListType, runID)
	sql := fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s (%s) WITH (autovacuum_enabled = false)`,
		table, strings.Join(ddl, ", "))
	if _, err := pool.Exec(ctx, sql); err != nil {
		return nil, fmt.Errorf("failed to create staging table %s: %w", table, err)
	}
	return &staging{table: table, spec: spec, delta: pre.Delta, extra: pre.Extra, pool: pool, log: log}, nil
}

// drop removes the staging table. Called via defer; errors are logged, not
// propagated, so they never mask the run's real outcome.
func (s *staging) drop(ctx context.Context) {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table); err != nil {
		s.log.Warn("failed to drop staging table", "table", s.table, "error", err)
	}
}

// load streams every batch file into staging with the bulk copy protocol and
// then runs the spec's post-copy hooks.
func (s *staging) load(ctx context.Context, pre *Prevalidated) (int64, error) {
	columns := s.spec.CopyColumns
	if s.delta {
		columns = append(append([]string{}, columns...), "change_type")
	}

	var total int64
	for _, path := range pre.Batches {
		n, err := s.copyBatch(ctx, path, columns)
		if err != nil {
			return total, fmt.Errorf("failed to load batch %s: %w", path, err)
		}
		total += n
		s.log.Debug("batch loaded into staging", "table", s.table, "batch", path, "rows", n)
	}

	for _, hook := range s.spec.PostCopySQL {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(hook, s.table)); err != nil {
			return total, fmt.Errorf("post-copy hook failed on %s: %w", s.table, err)
		}
	}
	return total, nil
}

func (s *staging) copyBatch(ctx context.Context, path string, columns []string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = s.spec.Schema.delimiter()
	if _, err := cr.Read(); err != nil { // header
		return 0, fmt.Errorf("cannot read batch header: %w", err)
	}

	src := &batchSource{reader: cr, spec: s.spec, delta: s.delta, extra: s.extra}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.table}, columns, src)
	if err != nil {
		return n, err
	}
	if src.err != nil {
		return n, src.err
	}
	return n, nil
}

// batchSource adapts a batch CSV to pgx.CopyFromSource, mapping each record
// through the spec on the way.
type batchSource struct {
	reader *csv.Reader
	spec   *Spec
	delta  bool
	extra  []string

	values []any
	err    error
}

func (b *batchSource) Next() bool {
	record, err := b.reader.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		b.err = err
		return false
	}

	changeType := ""
	if b.delta {
		record, changeType = stripChangeType(record, len(b.spec.Schema.Columns))
	}
	values, err := b.spec.mapRow(record, b.extra)
	if err != nil {
		b.err = err
		return false
	}
	if b.delta {
		values = append(values, strings.ToLower(changeType))
	}
	b.values = values
	return true
}

func (b *batchSource) Values() ([]any, error) { return b.values, nil }
func (b *batchSource) Err() error             { return b.err }
