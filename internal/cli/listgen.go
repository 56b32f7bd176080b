package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/listgen"
)

func newListgenCmd(a *app) *cobra.Command {
	var (
		baseRunID           int64
		noFullLists         bool
		noCleanup           bool
		disableSanityChecks bool
		currDateFlag        string
		condLabels          []string
	)

	cmd := &cobra.Command{
		Use:   "listgen <output_dir>",
		Short: "Generate the blacklist, notification and exception lists.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			currDate, err := parseCurrDate(currDateFlag)
			if err != nil {
				return err
			}
			conditions, err := selectConditions(a.cfg, condLabels)
			if err != nil {
				return err
			}

			return a.runJob(ctx, "dirbs-listgen", "", func(ctx context.Context, runID int64) error {
				gen := &listgen.Generator{
					Pool:                a.pool,
					Metadata:            a.meta,
					Statsd:              a.statsd,
					Log:                 a.log,
					Config:              a.cfg.ListGen,
					Operators:           a.cfg.Region.Operators,
					Conditions:          conditions,
					CurrDate:            currDate,
					OutputDir:           args[0],
					BaseRunID:           baseRunID,
					NoFullLists:         noFullLists,
					NoCleanup:           noCleanup,
					DisableSanityChecks: disableSanityChecks,
				}
				res, err := gen.Run(ctx, runID)
				if err != nil {
					return err
				}
				a.log.Info("list generation complete",
					"run_id", res.RunID, "base_run_id", res.BaseRunID,
					"output_dir", res.OutputDir,
					"blacklist", res.Counts["blacklist"],
					"notifications", res.Counts["notifications"],
					"exceptions", res.Counts["exceptions"])
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&baseRunID, "base", 0, "delta baseline run id (default: previous successful run)")
	cmd.Flags().BoolVar(&noFullLists, "no-full-lists", false, "write only the delta CSVs")
	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "keep partially written output when a run fails")
	cmd.Flags().StringSliceVar(&condLabels, "conditions", nil, "restrict generation to these condition labels")
	cmd.Flags().BoolVar(&disableSanityChecks, "disable-sanity-checks", false, "skip the run-over-run variance guard")
	cmd.Flags().StringVar(&currDateFlag, "curr-date", "", "pin the generation date (YYYYMMDD, default today)")
	return cmd
}
