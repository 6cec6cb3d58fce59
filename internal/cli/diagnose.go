package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newDiagnoseCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check connectivity to the source database and the routing API",
	}

	db := &cobra.Command{
		Use:   "db",
		Short: "Connect to the source and list the configured views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			conn, err := a.OpenSource(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.TestConnection(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected to %s %s\n", a.Config().Source.Driver, a.Config().Source.Host)

			schema, err := conn.Introspect(ctx)
			if err != nil {
				return fmt.Errorf("introspect: %w", err)
			}
			found := make(map[string]int, len(schema.Tables))
			for _, t := range schema.Tables {
				found[strings.ToUpper(t.Name)] = len(t.Columns)
			}

			views := append([]string(nil), a.Config().Source.Views...)
			sort.Strings(views)
			var missing int
			for _, v := range views {
				if n, ok := found[strings.ToUpper(v)]; ok {
					fmt.Fprintf(out, "  ok       %s (%d columns)\n", v, n)
				} else {
					fmt.Fprintf(out, "  missing  %s\n", v)
					missing++
				}
			}
			if missing > 0 {
				return fmt.Errorf("%d configured view(s) not found", missing)
			}
			return nil
		},
	}

	api := &cobra.Command{
		Use:   "api",
		Short: "Check the routing API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.cfg.RequireToken(); err != nil {
				return err
			}
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.Routing().Ping(ctx); err != nil {
				return fmt.Errorf("routing API %s: %w", a.Routing().BaseURL(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "routing API %s: ok\n", a.Routing().BaseURL())
			return nil
		},
	}

	cmd.AddCommand(db, api)
	return cmd
}

func newGetVisitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "get-visit <id>",
		Short: "Print a visit as the routing API has it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.cfg.RequireToken(); err != nil {
				return err
			}
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.Routing().GetVisit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.Raw)
		},
	}
}
