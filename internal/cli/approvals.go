package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newApprovalsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Resolve job runs requested by an MCP client",
		Long: `An MCP client asking to run a relay job waits until a human approves
or rejects the request here, or until it times out.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.Approvals().ListPending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tREQUESTED\tDESCRIPTION")
			for _, p := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Tool, ago(p.CreatedAt), p.Description)
			}
			return w.Flush()
		},
	}

	resolve := func(use, short string, approved bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := e.open()
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.Approvals().Resolve(cmd.Context(), args[0], approved); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
				return nil
			},
		}
	}

	cmd.AddCommand(
		list,
		resolve("approve", "Approve a pending request", true),
		resolve("reject", "Reject a pending request", false),
	)
	return cmd
}
