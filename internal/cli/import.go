package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/importer"
)

func newImportCmd(a *app) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "import <list_type> <file.zip>",
		Short: "Import an input file into its historic table.",
		Long: "Imports a zipped CSV into the named list. Valid list types: operator, " +
			strings.Join(importer.ListTypes(), ", ") + ".",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			listType, path := strings.ToLower(args[0]), args[1]
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			if batchSize == 0 {
				batchSize = a.cfg.Import.BatchSize
			}
			if listType == importer.OperatorListType {
				return a.runOperatorImport(ctx, path, batchSize)
			}
			return a.runListImport(ctx, listType, path, batchSize)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per copy batch (default from config)")
	return cmd
}

func (a *app) runListImport(ctx context.Context, listType, path string, batchSize int) error {
	spec, ok := importer.Specs()[listType]
	if !ok {
		return fmt.Errorf("unknown list type %q", listType)
	}
	return a.runJob(ctx, "dirbs-import", listType, func(ctx context.Context, runID int64) error {
		imp := &importer.Importer{
			Spec:      spec,
			Pool:      a.pool,
			Metadata:  a.meta,
			Statsd:    a.statsd,
			Log:       a.log,
			BatchSize: batchSize,
			Thresholds: importer.Thresholds{
				SizeVariationAbsolute: a.cfg.Import.SizeVariationAbsolute,
				SizeVariationPercent:  a.cfg.Import.SizeVariationPercent,
				DeltaSanityRatio:      a.cfg.Import.DeltaSanityRatio,
			},
			TmpDir: a.cfg.Import.TmpDir,
		}
		res, err := imp.Run(ctx, runID, path)
		if err != nil {
			return err
		}
		a.log.Info("import complete", "list_type", listType,
			"rows", res.Rows, "adds", res.Adds, "removes", res.Removes, "updates", res.Updates,
			"delta", res.Delta)
		return nil
	})
}

func (a *app) runOperatorImport(ctx context.Context, path string, batchSize int) error {
	return a.runJob(ctx, "dirbs-import", importer.OperatorListType, func(ctx context.Context, runID int64) error {
		imp := &importer.OperatorImporter{
			Pool:       a.pool,
			Metadata:   a.meta,
			Statsd:     a.statsd,
			Log:        a.log,
			Clock:      clockwork.NewRealClock(),
			Region:     a.cfg.Region,
			BatchSize:  batchSize,
			Thresholds: a.cfg.Import.Operator,
			TmpDir:     a.cfg.Import.TmpDir,
		}
		res, err := imp.Run(ctx, runID, path)
		if err != nil {
			return err
		}
		a.log.Info("operator import complete", "operator", res.OperatorID,
			"rows", res.Rows, "triplets", res.Triplets)
		return nil
	})
}
