package cli

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dirbs/dirbs-core/internal/metadata"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect recorded runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		command string
		status  string
		runID   int64
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			jobs, err := a.meta.Query(ctx, metadata.Filter{
				Command: command,
				Status:  status,
				RunID:   runID,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetHeader([]string{"Run ID", "Command", "Subcommand", "Status", "Start", "End", "Exception"})
			for _, j := range jobs {
				table.Append([]string{
					strconv.FormatInt(j.RunID, 10),
					j.Command,
					j.Subcommand,
					j.Status,
					j.StartTime,
					j.EndTime,
					j.ExceptionInfo,
				})
			}
			table.Render()
			return nil
		},
	}
	list.Flags().StringVar(&command, "command", "", "filter by command")
	list.Flags().StringVar(&status, "status", "", "filter by status (running, success, error)")
	list.Flags().Int64Var(&runID, "run-id", 0, "show one run")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")

	cmd.AddCommand(list)
	return cmd
}
