package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetalscan/fetalscan/cmd/config"
	"github.com/fetalscan/fetalscan/cmd/migrate"
	"github.com/fetalscan/fetalscan/cmd/retry"
	"github.com/fetalscan/fetalscan/cmd/serve"
	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. settings is filled from
// the config file before any sub-command runs; Version and BuildDate are kept.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "fetalscan",
		Short:         "FetalScan prenatal ultrasound analysis service",
		Version:       settings.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		migrate.Command(settings),
		retry.Command(settings),
		config.Command(settings),
	)

	var central *logger.CentralLogger
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cl, err := initialize(settings, configFile)
		if err != nil {
			return err
		}
		central = cl
		return nil
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		errors.FlushSentry(sentryFlushTimeout)
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

// initialize loads the configuration into settings and sets up logging and
// error telemetry. It runs before every sub-command.
func initialize(settings *conf.Settings, configFile string) (*logger.CentralLogger, error) {
	version, buildDate := settings.Version, settings.BuildDate

	loaded, err := conf.Load(configFile)
	if err != nil {
		return nil, err
	}
	*settings = *loaded
	settings.Version = version
	settings.BuildDate = buildDate

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(errors.SentryOptions{
			DSN:         settings.Sentry.DSN,
			Environment: settings.Sentry.Environment,
			Release:     "fetalscan@" + strings.TrimPrefix(settings.Version, "v"),
			Debug:       settings.Debug,
		}); err != nil {
			// telemetry is optional, the service runs without it
			cl.Module("main").Warn("sentry disabled", logger.Error(err))
		}
	}
	return cl, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config file (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
