package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wgfleet/internal/api"
	"wgfleet/internal/config"
	"wgfleet/internal/logging"
	"wgfleet/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals holds the persistent flags and what they resolve to.
type globals struct {
	configPath string
	logLevel   string
	apiURL     string
	trace      bool
	noColor    bool

	cfg           config.Config
	shutdownTrace func(context.Context) error
}

// envelopeError marks a command whose top-level result envelope was an
// error. The message has already been printed.
type envelopeError struct{ msg string }

func (e *envelopeError) Error() string { return e.msg }

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	g := &globals{}
	root := newRootCmd(g)
	err := root.Execute()
	if err != nil {
		// Post-run hooks are skipped on error.
		_ = g.flushTraces(context.Background())
		var envErr *envelopeError
		if !errors.As(err, &envErr) {
			fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		}
		os.Exit(1)
	}
}

// newRootCmd builds the command tree bound to g.
func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "wgfleet",
		Short:         "Deploy and monitor WireGuard endpoints across clouds and container platforms",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configureColor(g.noColor)
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if g.logLevel != "" {
				cfg.Server.LogLevel = g.logLevel
			}
			g.cfg = cfg
			if err := logging.Configure(cfg.Server.LogLevel); err != nil {
				return err
			}
			if g.trace {
				shutdown, err := tracing.Init(os.Stderr, version)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				g.shutdownTrace = shutdown
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return g.flushTraces(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to YAML config")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.apiURL, "api", "", "Management API base URL (default derived from server.listen)")
	root.PersistentFlags().BoolVar(&g.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(serveCmd(g))
	root.AddCommand(statusCmd(g))
	root.AddCommand(deployCmd(g))
	root.AddCommand(deploymentsCmd(g))
	root.AddCommand(unitsCmd(g))
	root.AddCommand(clientCmd(g))
	root.AddCommand(exportCmd(g))
	return root
}

func (g *globals) flushTraces(ctx context.Context) error {
	if g.shutdownTrace == nil {
		return nil
	}
	shutdown := g.shutdownTrace
	g.shutdownTrace = nil
	if ctx == nil {
		ctx = context.Background()
	}
	return shutdown(ctx)
}

// client returns a management API client for the configured server.
func (g *globals) client() *api.Client {
	base := g.apiURL
	if base == "" {
		base = g.cfg.APIBaseURL()
	}
	return api.NewClient(base, g.cfg.Server.APIKey)
}
