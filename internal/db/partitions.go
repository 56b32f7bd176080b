package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/imei"
)

// ShardedTables are the parents partitioned by virt_imei_shard range. Their
// physical partitions are created at install time and rebuilt by Repartition.
var ShardedTables = []string{
	"historic_registration_list",
	"historic_pairing_list",
	"historic_stolen_list",
	"historic_golden_list",
	"historic_barred_list",
	"historic_whitelist",
	"historic_device_association_list",
	"network_imeis",
	"classification_state",
}

// ShardRange is an inclusive range of virtual shards covered by one physical
// partition.
type ShardRange struct {
	Lo, Hi int
}

func (r ShardRange) String() string {
	return fmt.Sprintf("%d_%d", r.Lo, r.Hi)
}

// ShardRanges splits the virtual shard space [0,100) into numShards
// contiguous near-equal ranges. numShards must be in [1,100].
func ShardRanges(numShards int) []ShardRange {
	base := imei.NumShards / numShards
	rem := imei.NumShards % numShards
	ranges := make([]ShardRange, 0, numShards)
	lo := 0
	for i := 0; i < numShards; i++ {
		size := base
		if i < rem {
			size++
		}
		ranges = append(ranges, ShardRange{Lo: lo, Hi: lo + size - 1})
		lo += size
	}
	return ranges
}

func createShardPartitions(ctx context.Context, tx pgx.Tx, table string, numShards int) error {
	for _, r := range ShardRanges(numShards) {
		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s_%s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)`,
			table, r, table, r.Lo, r.Hi+1)
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create partition %s_%s: %w", table, r, err)
		}
	}
	return nil
}

// Install migrates the schema to the current version and lays out the
// physical shard partitions. Safe to re-run; existing partitions are kept.
func Install(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, numShards int) error {
	if numShards < 1 || numShards > imei.NumShards {
		return fmt.Errorf("num physical shards must be in [1,%d], got %d", imei.NumShards, numShards)
	}
	if err := Upgrade(ctx, log, pool); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, table := range ShardedTables {
			if err := createShardPartitions(ctx, tx, table, numShards); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`UPDATE schema_metadata SET num_physical_shards = $1, updated_at = now()`, numShards)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("schema installed", "version", SchemaVersion, "num_physical_shards", numShards)
	return nil
}

// NumPhysicalShards returns the physical shard count recorded at install or
// repartition time.
func NumPhysicalShards(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT num_physical_shards FROM schema_metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read num_physical_shards: %w", err)
	}
	return n, nil
}

func childPartitions(ctx context.Context, tx pgx.Tx, table string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		WHERE i.inhparent = $1::regclass
		ORDER BY c.relname`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Repartition rebuilds the physical partitions of every sharded table for a
// new shard count. Each table is rewritten in its own transaction under an
// exclusive lock: rows are parked in a scratch table, the old partitions are
// dropped, the new layout is created and the rows are inserted back.
func Repartition(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, numShards int) error {
	if numShards < 1 || numShards > imei.NumShards {
		return fmt.Errorf("num physical shards must be in [1,%d], got %d", imei.NumShards, numShards)
	}
	for _, table := range ShardedTables {
		log.Info("repartitioning table", "table", table, "num_physical_shards", numShards)
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`LOCK TABLE %s IN ACCESS EXCLUSIVE MODE`, table)); err != nil {
				return err
			}
			scratch := table + "_repart"
			stmts := []string{
				fmt.Sprintf(`CREATE UNLOGGED TABLE %s (LIKE %s INCLUDING DEFAULTS)`, scratch, table),
				fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, scratch, table),
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("repartition %s: %w", table, err)
				}
			}
			children, err := childPartitions(ctx, tx, table)
			if err != nil {
				return fmt.Errorf("repartition %s: %w", table, err)
			}
			for _, child := range children {
				if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE %s`, child)); err != nil {
					return fmt.Errorf("repartition %s: drop %s: %w", table, child, err)
				}
			}
			if err := createShardPartitions(ctx, tx, table, numShards); err != nil {
				return err
			}
			stmts = []string{
				fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, table, scratch),
				fmt.Sprintf(`DROP TABLE %s`, scratch),
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("repartition %s: %w", table, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if _, err := pool.Exec(ctx,
		`UPDATE schema_metadata SET num_physical_shards = $1, updated_at = now()`, numShards); err != nil {
		return fmt.Errorf("failed to record num_physical_shards: %w", err)
	}
	return nil
}

// CheckResult is the outcome of a schema health check.
type CheckResult struct {
	Version           int
	CodeVersion       int
	NumPhysicalShards int
	Problems          []string
}

// OK reports whether the schema is usable by this build.
func (r *CheckResult) OK() bool { return len(r.Problems) == 0 }

// Check verifies that the installed schema matches what this build expects:
// version, shard layout and the presence of the core SQL functions.
func Check(ctx context.Context, pool *pgxpool.Pool) (*CheckResult, error) {
	result := &CheckResult{CodeVersion: SchemaVersion}

	version, err := Version(ctx, pool)
	if err != nil {
		return nil, err
	}
	result.Version = version
	if version == 0 {
		result.Problems = append(result.Problems, "schema not installed, run dirbs db install")
		return result, nil
	}
	if version != SchemaVersion {
		result.Problems = append(result.Problems,
			fmt.Sprintf("schema version %d does not match code version %d, run dirbs db upgrade", version, SchemaVersion))
		return result, nil
	}

	shards, err := NumPhysicalShards(ctx, pool)
	if err != nil {
		return nil, err
	}
	result.NumPhysicalShards = shards

	for _, table := range ShardedTables {
		var count int
		err := pool.QueryRow(ctx,
			`SELECT count(*) FROM pg_inherits WHERE inhparent = $1::regclass`, table).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count partitions of %s: %w", table, err)
		}
		if count != shards {
			result.Problems = append(result.Problems,
				fmt.Sprintf("table %s has %d partitions, want %d", table, count, shards))
		}
	}

	// The Go and SQL shard functions must agree; probe a couple of values.
	for _, probe := range []string{"64220297727231", "99999999999999"} {
		var sqlShard int
		if err := pool.QueryRow(ctx, `SELECT calc_virt_imei_shard($1)`, probe).Scan(&sqlShard); err != nil {
			result.Problems = append(result.Problems, "calc_virt_imei_shard missing or broken: "+err.Error())
			break
		}
		if sqlShard != imei.VirtShard(probe) {
			result.Problems = append(result.Problems,
				fmt.Sprintf("calc_virt_imei_shard(%s) = %d, application says %d", probe, sqlShard, imei.VirtShard(probe)))
		}
	}
	return result, nil
}

// VerifySchema is the preflight every pipeline command runs before touching
// data.
func VerifySchema(ctx context.Context, pool *pgxpool.Pool) error {
	result, err := Check(ctx, pool)
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("schema check failed: %s", strings.Join(result.Problems, "; "))
	}
	return nil
}
