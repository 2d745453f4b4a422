package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/iqstream/cmd/bench"
	"github.com/tphakala/iqstream/cmd/configcmd"
	"github.com/tphakala/iqstream/cmd/run"
	"github.com/tphakala/iqstream/cmd/version"
	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/logger"
)

// skipInit lists commands that run without loading the configuration
var skipInit = map[string]bool{
	"version": true,
	"init":    true,
	"help":    true,
}

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "iqstream",
		Short:         "Real-time IQ stream processing",
		Long:          "iqstream ingests IQ samples, disciplines their timestamps to a reference pulse, runs an adaptive filter and monitors the spectrum.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("binding debug flag: %v", err))
	}

	rootCmd.AddCommand(
		run.Command(),
		bench.Command(),
		configcmd.Command(),
		version.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if skipInit[cmd.Name()] {
			return nil
		}
		if configFile != "" {
			conf.SetConfigFile(configFile)
		}
		settings, err := conf.Load()
		if err != nil {
			return err
		}
		return initialize(settings)
	}

	return rootCmd
}

// initialize replaces the fallback console logger with the configured one
func initialize(settings *conf.Settings) error {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)
	return nil
}
