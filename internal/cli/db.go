package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/db"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var numShards int
	install := &cobra.Command{
		Use:   "install",
		Short: "Install the full schema into an empty database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			return db.Install(ctx, a.log, a.pool, numShards)
		},
	}
	install.Flags().IntVar(&numShards, "num-physical-shards", 4, "physical partitions per sharded table")

	upgrade := &cobra.Command{
		Use:   "upgrade",
		Short: "Apply pending schema migrations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			return db.Upgrade(ctx, a.log, a.pool)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Verify the schema version and partition layout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			res, err := db.Check(ctx, a.pool)
			if err != nil {
				return err
			}
			if !res.OK() {
				for _, p := range res.Problems {
					a.log.Error("schema check failed", "problem", p)
				}
				return fmt.Errorf("schema check found %d problem(s)", len(res.Problems))
			}
			a.log.Info("schema check passed",
				"version", res.Version, "physical_shards", res.NumPhysicalShards)
			return nil
		},
	}

	var repartShards int
	repartition := &cobra.Command{
		Use:   "repartition",
		Short: "Rewrite every sharded table with a new physical shard count.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			return db.Repartition(ctx, a.log, a.pool, repartShards)
		},
	}
	repartition.Flags().IntVar(&repartShards, "num-physical-shards", 0, "new physical partition count (required)")
	_ = repartition.MarkFlagRequired("num-physical-shards")

	cmd.AddCommand(install, upgrade, check, repartition)
	return cmd
}
