// Package metadata records every CLI invocation in the job_metadata table.
// The store deliberately runs on its own connection pool with plain
// autocommitted statements: a business transaction that rolls back must never
// take the failure record down with it.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status values of a job_metadata row.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Store issues run ids and tracks job lifecycle. One Store per process.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on top of a dedicated pool. The caller keeps ownership
// of the pool and closes it after the store is no longer needed.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Start inserts a running job_metadata row and returns its run id. The
// command line is captured verbatim from the process arguments.
func (s *Store) Start(ctx context.Context, command, subcommand string) (int64, error) {
	var runID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_metadata (command, subcommand, command_line)
		VALUES ($1, NULLIF($2, ''), $3)
		RETURNING run_id`,
		command, subcommand, strings.Join(os.Args, " ")).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to record job start: %w", err)
	}
	return runID, nil
}

// Success marks the run successful and stamps end_time.
func (s *Store) Success(ctx context.Context, runID int64) error {
	return s.finish(ctx, runID, StatusSuccess, "")
}

// Failure marks the run failed with the surfaced error text.
func (s *Store) Failure(ctx context.Context, runID int64, exceptionText string) error {
	return s.finish(ctx, runID, StatusError, exceptionText)
}

func (s *Store) finish(ctx context.Context, runID int64, status, exceptionText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_metadata
		SET status = $2, end_time = now(), exception_info = NULLIF($3, '')
		WHERE run_id = $1 AND status = 'running'`,
		runID, status, exceptionText)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d is not running, cannot mark %s", runID, status)
	}
	return nil
}

// Annotate deep-merges extra into the run's extra_metadata. Nested objects
// merge recursively; scalar and array values from extra overwrite. Idempotent
// for identical input.
func (s *Store) Annotate(ctx context.Context, runID int64, extra map[string]any) error {
	b, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_metadata
		SET extra_metadata = jsonb_deep_merge(extra_metadata, $2::jsonb)
		WHERE run_id = $1`,
		runID, string(b))
	if err != nil {
		return fmt.Errorf("failed to annotate run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d not found", runID)
	}
	return nil
}

// Job is one job_metadata row as returned by Query.
type Job struct {
	RunID         int64
	Command       string
	Subcommand    string
	DBUser        string
	CommandLine   string
	StartTime     string
	EndTime       string
	Status        string
	ExceptionInfo string
	ExtraMetadata map[string]any
}

// Filter narrows Query results. Zero values are ignored. Order is "asc" or
// "desc" by start_time, default desc.
type Filter struct {
	Command    string
	Subcommand string
	RunID      int64
	Status     string
	Limit      int
	Offset     int
	Order      string
}

// Query returns job rows matching the filter, newest first unless asked
// otherwise.
func (s *Store) Query(ctx context.Context, f Filter) ([]Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Command != "" {
		add("command = $%d", f.Command)
	}
	if f.Subcommand != "" {
		add("subcommand = $%d", f.Subcommand)
	}
	if f.RunID != 0 {
		add("run_id = $%d", f.RunID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	sql := `SELECT run_id, command, COALESCE(subcommand, ''), db_user,
	               COALESCE(command_line, ''), start_time::text,
	               COALESCE(end_time::text, ''), status,
	               COALESCE(exception_info, ''), extra_metadata
	        FROM job_metadata`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	if strings.EqualFold(f.Order, "asc") {
		sql += " ORDER BY start_time ASC, run_id ASC"
	} else {
		sql += " ORDER BY start_time DESC, run_id DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job metadata: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j   Job
			raw []byte
		)
		if err := rows.Scan(&j.RunID, &j.Command, &j.Subcommand, &j.DBUser,
			&j.CommandLine, &j.StartTime, &j.EndTime, &j.Status,
			&j.ExceptionInfo, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &j.ExtraMetadata); err != nil {
				return nil, fmt.Errorf("run %d: bad extra_metadata: %w", j.RunID, err)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// LastSuccessfulRun returns the run id of the most recent successful run of
// command/subcommand, or 0 when none exists.
func (s *Store) LastSuccessfulRun(ctx context.Context, command, subcommand string) (int64, error) {
	var runID int64
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM job_metadata
		WHERE command = $1 AND ($2 = '' OR subcommand = $2) AND status = 'success'
		ORDER BY start_time DESC, run_id DESC
		LIMIT 1`, command, subcommand).Scan(&runID)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find last successful %s run: %w", command, err)
	}
	return runID, nil
}
