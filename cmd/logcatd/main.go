package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/logcatd/internal/cli"
	"github.com/ppiankov/logcatd/internal/config"
	"github.com/ppiankov/logcatd/internal/diag"
)

var version = "dev"

// global flags and the loaded config, shared by subcommands
var (
	cfg        *config.Config
	configPath string
	verbose    bool
	logFormat  string
	jsonErrors bool
)

func main() {
	if err := execute(); err != nil {
		cli.FormatError(os.Stderr, err, jsonErrors)
		os.Exit(cli.ExitCode(err))
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "logcatd",
		Short:         "Capture logcat records into structured sinks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.logcatd/config.yaml and ./.logcatd.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level diagnostics")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "diagnostic log format: text or json")
	root.PersistentFlags().BoolVar(&jsonErrors, "json-errors", false, "print the final error as JSON")

	root.AddCommand(newRunCmd())
	root.AddCommand(newParseCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the config file chain, or the file named by --config,
// and fills unset global flags from its defaults section.
func loadConfig(cmd *cobra.Command) error {
	if configPath != "" {
		c, err := config.LoadFrom(configPath)
		if err != nil {
			return cli.Wrap(cli.ExitUsage, "invalid_args", "load config", err)
		}
		cfg = c
	} else {
		cfg = config.Load()
	}

	if cfg.Defaults.Verbose && !cmd.Flags().Changed("verbose") {
		verbose = true
	}
	if cfg.Defaults.LogFormat != "" && !cmd.Flags().Changed("log-format") {
		logFormat = cfg.Defaults.LogFormat
	}
	return nil
}

func newLogger() diag.Logger {
	return diag.New(diag.NewHandler(os.Stderr, logFormat, verbose))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the logcatd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "logcatd %s\n", version)
			return err
		},
	}
}
