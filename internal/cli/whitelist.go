package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/whitelist"
)

func newWhitelistCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Publish whitelist changes to the shared broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Drain the unpublished whitelist event backlog once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			return a.runJob(ctx, "dirbs-whitelist", "process", func(ctx context.Context, runID int64) error {
				broker, err := whitelist.NewBroker(a.cfg.Kafka)
				if err != nil {
					return err
				}
				defer broker.Close()
				if err := broker.EnsureTopic(ctx, 1, 1); err != nil {
					return err
				}
				d := &whitelist.Distributor{Pool: a.pool, Broker: broker, Log: a.log}
				n, err := d.Process(ctx)
				if err != nil {
					return err
				}
				if aerr := a.meta.Annotate(ctx, runID, map[string]any{"events_published": n}); aerr != nil {
					return aerr
				}
				a.log.Info("whitelist backlog drained", "events", n)
				return nil
			})
		},
	}

	var metricsAddr string
	distribute := &cobra.Command{
		Use:   "distribute",
		Short: "Run the long-lived whitelist change distributor.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.schemaGuard(ctx); err != nil {
				return err
			}
			broker, err := whitelist.NewBroker(a.cfg.Kafka)
			if err != nil {
				return err
			}
			defer broker.Close()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
			}

			d := &whitelist.Distributor{Pool: a.pool, Broker: broker, Log: a.log}
			err = d.Distribute(ctx)
			if errors.Is(err, context.Canceled) {
				a.log.Info("distributor stopped")
				return nil
			}
			return err
		},
	}
	distribute.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(process, distribute)
	return cmd
}
