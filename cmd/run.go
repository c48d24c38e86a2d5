package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/server"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// newRunCmd runs every registered job once and prints the batch summary.
func newRunCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh every registered source once",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *server.App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app.StartJanitor(ctx)
			report, err := app.Scheduler().RunAll(ctx)
			if err != nil {
				return fmt.Errorf("run all: %w", err)
			}
			if asJSON {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), monitor.Summary(report))
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d of %d jobs failed", len(report.Errors), report.TotalJobs)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

// newRunOneCmd runs a single job by id.
func newRunOneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-one <job-id>",
		Short: "Refresh one source and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app *server.App) error {
			id, err := source.ParseJobID(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := app.Scheduler().RunOne(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		}),
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
