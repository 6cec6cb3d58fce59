// Package cli is the visitrelay command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"visitrelay/internal/app"
	"visitrelay/internal/config"
	"visitrelay/internal/logging"
)

// Version is stamped at build time.
var Version = "dev"

// env carries what every command shares after the root pre-run.
type env struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger

	// newApp is swapped in tests.
	newApp func(cfg *config.Config, logger *zap.Logger) (*app.App, error)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	e := &env{
		newApp: func(cfg *config.Config, logger *zap.Logger) (*app.App, error) {
			return app.New(cfg, logger)
		},
	}

	root := &cobra.Command{
		Use:   "visitrelay",
		Short: "Relay home-care visits to the routing API and statuses back",
		Long: `visitrelay reads pending visits and deliveries from the hospital
database views, sends them to the routing API as visit payloads, and
writes the routing status callbacks back to the status table.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "config file (default: $RELAY_CONFIG or ./visitrelay.yaml)")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(e),
		newSendCmd(e),
		newPreviewCmd(e),
		newJobsCmd(e),
		newApprovalsCmd(e),
		newMCPCmd(e),
		newDiagnoseCmd(e),
		newGetVisitCmd(e),
		newConfigCmd(e),
		newProfilesCmd(e),
	)
	return root
}

func (e *env) setup() error {
	path := e.configPath
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path == "" {
		path = "visitrelay.yaml"
	}
	e.configPath = path

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.Log.Level = e.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	e.logger = logger
	return nil
}

// open builds the app; the caller closes it.
func (e *env) open() (*app.App, error) {
	return e.newApp(e.cfg, e.logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printJSON writes v indented, without HTML escaping.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
