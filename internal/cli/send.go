package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"visitrelay/internal/app"
	"visitrelay/internal/etl"
)

func newSendCmd(e *env) *cobra.Command {
	var opts app.SendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send pending visits once",
		Long: `Read the source views (or an exported file) once and send every new
payload. With --dry-run the payloads are written to files instead and
nothing is marked as sent.`,
		Example: `  visitrelay send --view VW_ENTREGAS_PENDENTES --limit 20
  visitrelay send --file export.json --dry-run --output-dir ./payloads`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			result, err := a.Send(ctx, opts)
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Profile, "source", "", "read from this stored source profile (see 'profiles list')")
	f.StringVarP(&opts.File, "file", "f", "", "read records from a JSON or CSV export")
	f.StringVar(&opts.View, "view", "", "only this source view")
	f.IntVar(&opts.Limit, "limit", 0, "send at most this many visits")
	f.BoolVar(&opts.DryRun, "dry-run", false, "write payload files instead of calling the API")
	f.StringVarP(&opts.OutputDir, "output-dir", "o", "", "payload directory for --dry-run (default relay.output_dir)")
	return cmd
}

func newPreviewCmd(e *env) *cobra.Command {
	var (
		view    string
		maxRows int
	)
	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Print the payloads an export would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Preview(cmd.Context(), args[0], view, maxRows)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Payloads)
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "view name stamped on every record")
	cmd.Flags().IntVarP(&maxRows, "max", "n", 10, "records to preview")
	return cmd
}

func printResult(w io.Writer, r *etl.SyncResult) {
	fmt.Fprintf(w, "status: %s  read: %d  built: %d  skipped: %d  written: %d  (%s)\n",
		r.Status, r.RowsRead, r.RowsBuilt, r.RowsSkipped, r.RowsWritten, r.Duration.Round(time.Millisecond))
	for _, d := range r.Delivered {
		switch {
		case d.VisitID != "":
			fmt.Fprintf(w, "  %s -> visit %s\n", d.Reference, d.VisitID)
		case d.Location != "":
			fmt.Fprintf(w, "  %s -> %s\n", d.Reference, d.Location)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
}
