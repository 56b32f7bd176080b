package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/catalog"
)

func newCatalogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Discover and fingerprint input files under the prospector paths.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			return a.runJob(ctx, "dirbs-catalog", "", func(ctx context.Context, runID int64) error {
				h := &catalog.Harvester{
					Pool:     a.pool,
					Metadata: a.meta,
					Log:      a.log,
					Config:   a.cfg.Catalog,
				}
				n, err := h.Run(ctx, runID)
				if err != nil {
					return err
				}
				a.log.Info("catalog complete", "files", n)
				return nil
			})
		},
	}
}
