// Package cli wires the subcommands to the underlying components: it loads
// configuration, opens the database pool, and runs every command inside a
// job-metadata lifecycle so failures are recorded and counted.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/db"
	"github.com/dirbs/dirbs-core/internal/metadata"
	"github.com/dirbs/dirbs-core/internal/statsd"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
)

// app carries the shared state every subcommand needs. Config and logger are
// built in the persistent pre-run; the pool is opened lazily because the db
// subcommands must work against an empty database.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	statsd ddstatsd.ClientInterface

	pool     *pgxpool.Pool
	metaPool *pgxpool.Pool
	meta     *metadata.Store

	// flag overrides, applied on top of file and env values
	configPath string
	verbose    bool
	dbHost     string
	dbPort     int
	dbName     string
	dbUser     string
	dbPassword string
	maxDBConns int
	maxWorkers int
}

func Run(ctx context.Context) ExitCode {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "dirbs",
		Short:         "Device identification, registration and blocking toolkit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	// Accept underscore flag spellings (--curr_date) alongside dashes.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file path (default: DIRBS_CONFIG_FILE or search path)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "set debug logging level")
	pf.StringVar(&a.dbHost, "db-host", "", "database host override")
	pf.IntVar(&a.dbPort, "db-port", 0, "database port override")
	pf.StringVar(&a.dbName, "db-name", "", "database name override")
	pf.StringVar(&a.dbUser, "db-user", "", "database user override")
	pf.StringVar(&a.dbPassword, "db-password", "", "database password override")
	pf.IntVar(&a.maxDBConns, "max-db-connections", 0, "max database connections override")
	pf.IntVar(&a.maxWorkers, "max-workers", 0, "max concurrent workers override")

	rootCmd.AddCommand(
		newImportCmd(a),
		newClassifyCmd(a),
		newListgenCmd(a),
		newDBCmd(a),
		newPruneCmd(a),
		newCatalogCmd(a),
		newReportCmd(a),
		newJobsCmd(a),
		newWhitelistCmd(a),
	)

	defer func() {
		if a.metaPool != nil {
			a.metaPool.Close()
		}
		if a.pool != nil {
			a.pool.Close()
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if a.log != nil {
			a.log.Error("command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

// init loads config, applies flag overrides and builds the logger and the
// statsd client. Flags win over env, env wins over file.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbHost != "" {
		cfg.DB.Host = a.dbHost
	}
	if a.dbPort != 0 {
		cfg.DB.Port = a.dbPort
	}
	if a.dbName != "" {
		cfg.DB.Database = a.dbName
	}
	if a.dbUser != "" {
		cfg.DB.User = a.dbUser
	}
	if a.dbPassword != "" {
		cfg.DB.Password = a.dbPassword
	}
	if a.maxDBConns != 0 {
		cfg.Multiprocessing.MaxDBConnections = a.maxDBConns
	}
	if a.maxWorkers != 0 {
		cfg.Multiprocessing.MaxLocalCPUs = a.maxWorkers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = newLogger(a.verbose)

	client, err := statsd.New(a.log, statsd.Config{
		Host: cfg.Statsd.Hostname,
		Port: cfg.Statsd.Port,
		Env:  os.Getenv("DIRBS_ENV"),
	})
	if err != nil {
		return err
	}
	a.statsd = client
	return nil
}

// connect opens the shared pool and the metadata store. Idempotent. The
// metadata store gets its own two-connection pool so run-row updates are
// never starved when a command saturates the shared pool.
func (a *app) connect(ctx context.Context) error {
	if a.pool != nil {
		return nil
	}
	dbCfg := db.Config{
		Database: a.cfg.DB.Database,
		Host:     a.cfg.DB.Host,
		Port:     a.cfg.DB.Port,
		User:     a.cfg.DB.User,
		Password: a.cfg.DB.Password,
		MaxConns: int32(a.cfg.Multiprocessing.MaxDBConnections),
	}
	pool, err := db.Connect(ctx, a.log, dbCfg)
	if err != nil {
		return err
	}
	metaCfg := dbCfg
	metaCfg.MaxConns = 2
	metaPool, err := db.Connect(ctx, a.log, metaCfg)
	if err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.metaPool = metaPool
	a.meta = metadata.New(metaPool)
	return nil
}

// runJob wraps a command body in the job-metadata lifecycle: the run row is
// opened before the body and closed as success or failure afterwards.
// Failures also bump the per-component exception counter.
func (a *app) runJob(ctx context.Context, command, subcommand string, fn func(ctx context.Context, runID int64) error) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	runID, err := a.meta.Start(ctx, command, subcommand)
	if err != nil {
		return err
	}
	a.log.Info("run started", "command", command, "subcommand", subcommand, "run_id", runID)

	if err := fn(ctx, runID); err != nil {
		_ = a.statsd.Incr(statsd.ExceptionName(command), nil, 1)
		if ferr := a.meta.Failure(context.WithoutCancel(ctx), runID, err.Error()); ferr != nil {
			a.log.Error("failed to record run failure", "run_id", runID, "error", ferr)
		}
		return err
	}
	if err := a.meta.Success(ctx, runID); err != nil {
		return err
	}
	a.log.Info("run succeeded", "command", command, "run_id", runID)
	return nil
}

// schemaGuard verifies the schema version before a data command touches
// anything.
func (a *app) schemaGuard(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	return db.VerifySchema(ctx, a.pool)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// parseCurrDate resolves the --curr-date flag, defaulting to today (UTC).
func parseCurrDate(s string) (time.Time, error) {
	if s == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := config.ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	return d.Time, nil
}
