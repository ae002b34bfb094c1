package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"rentshield/api/internal/config"
	"rentshield/api/internal/logging"
)

const programName = "rentshield"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
	cfg        config.Config
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

// commonRun installs the process logger and sizes GOMAXPROCS to the
// container's CPU quota.
func commonRun() *slog.Logger {
	level := cfg.LogLevel
	if globalFlags.debug {
		level = "debug"
	}
	logger := logging.New(os.Stdout, level)
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "RentShield dispute lifecycle and consensus API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(tokenCommand())
	rootCmd.AddCommand(actorCommand())
	rootCmd.AddCommand(reindexCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error(), "component", programName)
		os.Exit(1)
	}
}
