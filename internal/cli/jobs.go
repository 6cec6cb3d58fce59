package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"visitrelay/internal/etl"
	"visitrelay/internal/service"
)

func newJobsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage stored relay jobs",
		Long: `Stored jobs read a source other than the configured views: an export
file dropped in a folder, a report endpoint, a second database. They run
manually, on a cron schedule, or when their watched file changes.`,
	}
	cmd.AddCommand(
		newJobsListCmd(e),
		newJobsCreateCmd(e),
		newJobsRunCmd(e),
		newJobsLogsCmd(e),
		newJobsDeleteCmd(e),
		newJobsSourcesCmd(e),
	)
	return cmd
}

func newJobsListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Relay().ListJobs()
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func newJobsCreateCmd(e *env) *cobra.Command {
	var (
		in         service.CreateJobInput
		sourceJSON string
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Example: `  visitrelay jobs create --name exports --source json_file \
    --source-config '{"filePath":"/srv/exports/visitas.json","view":"VW_VISITAS_PENDENTES"}' \
    --trigger file_watch --trigger-config /srv/exports/visitas.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceJSON != "" {
				dec := json.NewDecoder(bytes.NewReader([]byte(sourceJSON)))
				dec.UseNumber()
				if err := dec.Decode(&in.SourceConfig); err != nil {
					return fmt.Errorf("--source-config: %w", err)
				}
			}
			in.Enabled = !disabled

			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Relay().CreateJob(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s (%s)\n", job.Name, job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "job name")
	f.StringVar(&in.SourceType, "source", "", "source type (see 'jobs sources')")
	f.StringVar(&sourceJSON, "source-config", "", "source config as a JSON object")
	f.StringVar(&in.DestType, "dest", "routing", "destination: routing or file")
	f.StringVar(&in.DedupeKey, "dedupe", "", "field to dedupe records on")
	f.StringVar(&in.TriggerType, "trigger", "manual", "manual, schedule or file_watch")
	f.StringVar(&in.TriggerConfig, "trigger-config", "", "cron expression or watched path")
	f.BoolVar(&disabled, "disabled", false, "create the job disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newJobsRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id|name>",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Relay().FindJob(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			result, err := a.Relay().RunJob(ctx, job.ID)
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

func newJobsLogsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id|name>",
		Short: "Show the recent runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Relay().FindJob(args[0])
			if err != nil {
				return err
			}
			logs, err := a.Relay().ListRunLogs(job.ID)
			if err != nil {
				return err
			}
			printRunLogs(cmd.OutOrStdout(), logs)
			return nil
		},
	}
}

func newJobsDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a job and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open()
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Relay().FindJob(args[0])
			if err != nil {
				return err
			}
			if err := a.Relay().DeleteJob(cmd.Context(), job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job %s\n", job.Name)
			return nil
		},
	}
}

func newJobsSourcesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the source types and their config keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tKEY\tREQUIRED\tHELP")
			for _, spec := range etl.ListSources() {
				for _, f := range spec.ConfigFields {
					req := ""
					if f.Required {
						req = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", spec.Type, f.Key, req, f.Help)
				}
			}
			return w.Flush()
		},
	}
}

func printJobs(out io.Writer, jobs []etl.SyncJob) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDEST\tTRIGGER\tENABLED\tLAST RUN\tSTATUS")
	for _, j := range jobs {
		trigger := j.TriggerType
		if j.TriggerConfig != "" {
			trigger += " " + j.TriggerConfig
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			j.Name, j.SourceType, j.DestType, trigger, j.Enabled, ago(j.LastRunAt), j.LastStatus)
	}
	w.Flush()
}

func printRunLogs(out io.Writer, logs []etl.SyncRunLog) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tREAD\tBUILT\tSKIPPED\tWRITTEN\tTOOK\tERROR")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			ago(l.StartedAt), l.Status, l.RowsRead, l.RowsBuilt, l.RowsSkipped, l.RowsWritten,
			l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond), l.Error)
	}
	w.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
