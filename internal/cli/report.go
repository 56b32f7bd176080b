package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <month> <year> <output_dir>",
		Short: "Generate per-operator monthly statistics.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := strconv.Atoi(args[0])
			if err != nil || month < 1 || month > 12 {
				return fmt.Errorf("invalid month %q", args[0])
			}
			year, err := strconv.Atoi(args[1])
			if err != nil || year < 2000 || year > 2100 {
				return fmt.Errorf("invalid year %q", args[1])
			}
			outDir := args[2]

			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			return a.runJob(ctx, "dirbs-report", "", func(ctx context.Context, runID int64) error {
				r := &report.Reporter{
					Pool:       a.pool,
					Metadata:   a.meta,
					Log:        a.log,
					Operators:  a.cfg.Region.Operators,
					Conditions: a.cfg.Conditions,
				}
				rep, err := r.Run(ctx, runID, year, month, outDir)
				if err != nil {
					return err
				}
				rep.PrintSummary(os.Stdout)
				return nil
			})
		},
	}
}
