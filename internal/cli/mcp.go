package cli

import (
	"github.com/spf13/cobra"
)

func newMCPCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the relay tools over MCP on stdin/stdout",
		Long: `Start an MCP server on stdio. Clients can build and classify payloads,
map status callbacks, preview sources and run jobs. Job runs wait for
'visitrelay approvals approve'. Logs go to stderr or log.file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.ServeMCP(ctx, Version)
		},
	}
}
