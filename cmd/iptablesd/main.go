// iptablesd manages iptables and ip6tables rules from the command line or
// over a JSON API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iptablesd/internal/config"
	"iptablesd/internal/logging"
	"iptablesd/pkg/iptables"
)

var (
	// Build information (set by ldflags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	cfgFile      string
	useIPv6      bool
	tableName    string
	logLevel     string
	outputFormat string

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if _, ok := err.(errNotFound); !ok {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "iptablesd",
		Short: "Manage iptables and ip6tables rules",
		Long: `iptablesd drives the iptables and ip6tables binaries. It detects the
installed version, serialises access to the xtables lock and exposes chains,
rules and policies through subcommands or, with 'serve', a JSON API.`,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&useIPv6, "ipv6", "6", false, "operate on ip6tables")
	rootCmd.PersistentFlags().StringVarP(&tableName, "table", "t", "filter", "table to operate on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newChainCmd(),
		newRuleCmd(),
		newPolicyCmd(),
		newTableCmd(),
		newExecCmd(),
		newSaveCmd(),
		newRestoreCmd(),
		newUnitCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// setup loads configuration and builds the logger before any subcommand.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	// Keep stdout clean for command output.
	if cmd.Name() != "serve" && cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	logger, err = logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// bindingOptions maps the iptables section of the config to binding options.
func bindingOptions(c config.IPTablesConfig, path string, l *zap.Logger) []iptables.Option {
	return []iptables.Option{
		iptables.WithLogger(l),
		iptables.WithPath(path),
		iptables.WithLockPath(c.LockPath),
		iptables.WithLockTimeout(c.LockTimeout),
		iptables.WithWaitSeconds(c.WaitSeconds),
		iptables.WithLockRetries(c.LockRetries, 0),
	}
}

func newBinding(ctx context.Context, proto iptables.Protocol) (*iptables.IPTables, error) {
	path := cfg.IPTables.Path
	if proto == iptables.ProtocolIPv6 {
		path = cfg.IPTables.Path6
	}
	ipt, err := iptables.New(ctx, proto, bindingOptions(cfg.IPTables, path, logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise %s: %w", proto, err)
	}
	return ipt, nil
}

// binding returns the binding selected by --ipv6 and a context bounded by
// iptables.timeout.
func binding() (*iptables.IPTables, context.Context, context.CancelFunc, error) {
	ctx, cancel := commandContext()
	proto := iptables.ProtocolIPv4
	if useIPv6 {
		proto = iptables.ProtocolIPv6
	}
	ipt, err := newBinding(ctx, proto)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ipt, ctx, cancel, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	if cfg.IPTables.Timeout > 0 {
		return context.WithTimeout(context.Background(), cfg.IPTables.Timeout)
	}
	return context.WithCancel(context.Background())
}

// exitCode propagates the exit status of a failed iptables invocation.
func exitCode(err error) int {
	if status := iptables.ExitStatus(err); status > 0 {
		return status
	}
	return 1
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("iptablesd\n")
			fmt.Printf("  Version:    %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)

			ctx, cancel := commandContext()
			defer cancel()
			for _, proto := range []iptables.Protocol{iptables.ProtocolIPv4, iptables.ProtocolIPv6} {
				ipt, err := newBinding(ctx, proto)
				if err != nil {
					fmt.Printf("  %-11s unavailable (%v)\n", proto.String()+":", err)
					continue
				}
				fmt.Printf("  %-11s %s %s (check: %t, wait: %t)\n",
					proto.String()+":", ipt.Command(), ipt.Version(), ipt.HasCheck(), ipt.HasWait())
			}
			return nil
		},
	}
}
