package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
)

var version = "dev"

// app carries what every subcommand needs after flag parsing.
type app struct {
	configPath string
	envFile    string
	logFormat  string
	verbose    bool

	cfg    gemledger.Config
	logger zerolog.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "gemctl",
		Short:         "gemctl - gem balance ledger for paid generation features",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "log output: console or json")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(a),
		newBalanceCmd(a),
		newTopupCmd(a),
		newSpendCmd(a),
		newCostsCmd(a),
		newStatusCmd(a),
		newReconcileCmd(a),
		newUsageCmd(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	a.cfg = gemledger.DefaultConfig()
	if a.configPath != "" {
		cfg, err := gemledger.LoadConfig(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	a.logger = newLogger(a.logFormat, a.verbose)
	return nil
}

func newLogger(format string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Logger()

	if format != "json" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger
}
