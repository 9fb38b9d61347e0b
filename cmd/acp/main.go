// Command acp serves the Agent Client Protocol on stdin and stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tiancaiamao/acp/pkg/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath  string
	sessionsDir string
	logLevel    string
	logFile     string
	traceFile   string
	debugAddr   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "acp",
		Short:         "Agent Client Protocol runtime",
		Long:          "acp speaks the Agent Client Protocol over stdin and stdout. Logs go to stderr and the optional log file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.debugAddr, os.Stdin, os.Stdout)
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.acp/config.toml)")
	flags.StringVar(&opts.sessionsDir, "sessions-dir", "", "directory for persisted sessions")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFile, "log-file", "", "also append logs to this file")
	root.Flags().StringVar(&opts.traceFile, "trace-file", "", "write turn and tool spans as trace-event JSON")
	root.Flags().StringVar(&opts.debugAddr, "http", "", "serve metrics and pprof on this address (e.g. ':6060')")

	root.AddCommand(newSessionsCommand(opts))
	return root
}

// load reads the config file and applies the flags set on the command line.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		p, err := config.GetDefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("sessions-dir") {
		cfg.SessionsDir = o.sessionsDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if flags.Changed("trace-file") {
		cfg.Log.TraceFile = o.traceFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
