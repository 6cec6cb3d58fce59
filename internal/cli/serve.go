package cli

import (
	"github.com/spf13/cobra"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the source on schedule and receive status callbacks",
		Long: `Run the relay until interrupted: the configured views are polled on
relay.schedule, stored schedule and file_watch jobs are armed, and the
webhook listens on webhook.addr for routing callbacks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.Serve(ctx)
		},
	}
}
