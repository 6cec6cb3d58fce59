package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"visitrelay/internal/domain"
	"visitrelay/internal/secret"
)

func newProfilesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage named source database profiles",
		Long: `A profile stores how to reach a source database. Its password is never
stored: it is read from RELAY_SECRET_<NAME> (for example tasy-prod reads
RELAY_SECRET_TASY_PROD). Jobs and 'send --source' refer to profiles by name.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.Profiles().ListConnections()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDRIVER\tHOST\tDATABASE\tUSER\tSECRET")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.Name, c.Driver, c.Host, c.Database, c.Username, secret.EnvName(c.Name))
			}
			return w.Flush()
		},
	}

	var conn domain.DatabaseConnection
	var driver string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDriver(driver)
			if err != nil {
				return err
			}
			conn.Name = args[0]
			conn.Driver = d

			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if existing, err := a.Profiles().GetConnectionByName(conn.Name); err == nil && existing != nil {
				return fmt.Errorf("profile %q already exists", conn.Name)
			}
			if err := a.Profiles().CreateConnection(&conn); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added profile %s (password from %s)\n", conn.Name, secret.EnvName(conn.Name))
			return nil
		},
	}
	f := add.Flags()
	f.StringVar(&driver, "driver", "postgres", "postgres, mysql, sqlite or mongodb")
	f.StringVar(&conn.Host, "host", "", "host, file path (sqlite) or URI (mongodb)")
	f.IntVar(&conn.Port, "port", 0, "port (driver default when 0)")
	f.StringVar(&conn.Database, "database", "", "database name")
	f.StringVar(&conn.Username, "user", "", "user name")
	f.StringVar(&conn.SSLMode, "ssl-mode", "", "ssl mode")
	_ = add.MarkFlagRequired("host")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.Profiles().GetConnectionByName(args[0])
			if err != nil {
				return err
			}
			if err := a.Profiles().DeleteConnection(c.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed profile %s\n", c.Name)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}
