// Steward is a conservative financial planning assistant served over an
// OpenAI-compatible chat API.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) or named with
// --config.
//
// Usage:
//
//	steward serve              Start the API server
//	steward ask <question>     Run one turn locally and print the stream
//	steward init [dir]         Write an example config.yaml
//	steward version            Print version and build information
//	steward -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/wealth-steward/internal/buildinfo"
	"github.com/nugget/wealth-steward/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. Logs go to stderr and command output to
// stdout. It returns nil on clean shutdown.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// newRootCmd builds a fresh command tree. Nothing is package-level, so
// tests can call run concurrently.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "steward",
		Short:         "Prudent Wealth Steward - conservative financial planning assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the API server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), stderr, flags.configPath)
			},
		},
		newAskCmd(stdout, stderr, flags),
		&cobra.Command{
			Use:   "init [dir]",
			Short: "Write an example config.yaml (default dir: .)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				dir := "."
				if len(args) > 0 {
					dir = args[0]
				}
				return runInit(stdout, dir)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return runVersion(stdout, flags.output)
			},
		},
	)
	return root
}

func newAskCmd(stdout, stderr io.Writer, flags *globalFlags) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one turn locally and print the streamed response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, flags.configPath, threadID, args)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id to continue (default: one-off turn)")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates, parses and validates the configuration. An
// explicit path must exist. Without one, a missing file means built-in
// defaults. The returned path is empty when defaults were used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg := config.Default()
		return cfg, "", cfg.Validate()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger, falling back to info-level
// text when the config is unusable.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	if cfg != nil {
		if logger, err := config.NewLogger(w, cfg.LogLevel, cfg.LogFormat); err == nil {
			return logger
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
