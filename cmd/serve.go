package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/timetable-refresher/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduled refresh",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *server.App) error {
			return app.Run(cmd.Context())
		}),
	}
}
