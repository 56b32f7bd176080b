package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/classify"
	"github.com/dirbs/dirbs-core/internal/config"
)

func newClassifyCmd(a *app) *cobra.Command {
	var (
		noSafetyCheck bool
		condLabels    []string
		currDateFlag  string
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Run the configured conditions and update classification state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			currDate, err := parseCurrDate(currDateFlag)
			if err != nil {
				return err
			}
			selected, err := selectConditions(a.cfg, condLabels)
			if err != nil {
				return err
			}
			conditions, err := classify.Compile(selected)
			if err != nil {
				return err
			}
			configured := make([]string, len(a.cfg.Conditions))
			for i, c := range a.cfg.Conditions {
				configured[i] = c.Label
			}

			return a.runJob(ctx, "dirbs-classify", "", func(ctx context.Context, runID int64) error {
				engine := &classify.Engine{
					Pool:             a.pool,
					Metadata:         a.meta,
					Statsd:           a.statsd,
					Log:              a.log,
					Conditions:       conditions,
					ConfiguredLabels: configured,
					Amnesty:          a.cfg.Amnesty,
					CurrDate:         currDate,
					MaxWorkers:       a.cfg.Multiprocessing.MaxLocalCPUs,
					SkipSafetyCheck:  noSafetyCheck,
				}
				return engine.Run(ctx, runID)
			})
		},
	}
	cmd.Flags().BoolVar(&noSafetyCheck, "no-safety-check", false, "disable the matching-ratio safety guard")
	cmd.Flags().StringSliceVar(&condLabels, "conditions", nil, "run only the named conditions (default: all configured)")
	cmd.Flags().StringVar(&currDateFlag, "curr-date", "", "pin the classification date (YYYYMMDD, default today)")
	return cmd
}

// selectConditions resolves --conditions against the configured set.
func selectConditions(cfg *config.Config, labels []string) ([]config.Condition, error) {
	if len(labels) == 0 {
		return cfg.Conditions, nil
	}
	var out []config.Condition
	for _, label := range labels {
		cond, ok := cfg.ConditionByLabel(strings.ToLower(label))
		if !ok {
			return nil, fmt.Errorf("condition %q is not configured", label)
		}
		out = append(out, cond)
	}
	return out, nil
}
