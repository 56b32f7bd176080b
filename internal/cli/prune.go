package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/prune"
)

func newPruneCmd(a *app) *cobra.Command {
	var currDateFlag string

	cmd := &cobra.Command{
		Use:       "prune {triplets|classification_state|blacklist}",
		Short:     "Remove data past the retention window.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"triplets", "classification_state", "blacklist"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			currDate, err := parseCurrDate(currDateFlag)
			if err != nil {
				return err
			}

			return a.runJob(ctx, "dirbs-prune", target, func(ctx context.Context, runID int64) error {
				p := &prune.Pruner{
					Pool:            a.pool,
					Metadata:        a.meta,
					Log:             a.log,
					Conditions:      a.cfg.Conditions,
					RetentionMonths: a.cfg.Retention.MonthsRetention,
					CurrDate:        currDate,
				}
				switch target {
				case "triplets":
					_, err := p.Triplets(ctx, runID)
					return err
				case "classification_state":
					_, err := p.ClassificationState(ctx, runID)
					return err
				case "blacklist":
					_, err := p.Blacklist(ctx, runID)
					return err
				default:
					return fmt.Errorf("unknown prune target %q", target)
				}
			})
		},
	}
	cmd.Flags().StringVar(&currDateFlag, "curr-date", "", "pin the pruning date (YYYYMMDD, default today)")
	return cmd
}
