// Package configcmd implements commands for inspecting and creating the
// configuration file.
package configcmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/iqstream/internal/conf"
)

// Command creates the config command group
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration",
	}
	cmd.AddCommand(initCommand(), showCommand(), validateCommand())
	return cmd
}

func initCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := targetPath(args)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

// targetPath returns the explicit path or config.yaml in the first default
// config directory
func targetPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	paths, err := conf.GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(paths[0], "config.yaml"), nil
}

func showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after merging defaults, the config file and IQSTREAM_ environment variables. Secrets are masked.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := conf.GetSettings()
			if settings == nil {
				return fmt.Errorf("settings not loaded")
			}
			masked := *settings
			maskSecrets(&masked)
			out, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("error marshaling settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

const mask = "********"

func maskSecrets(s *conf.Settings) {
	if s.MQTT.Password != "" {
		s.MQTT.Password = mask
	}
	if s.Snapshot.MySQL.Password != "" {
		s.Snapshot.MySQL.Password = mask
	}
	if s.Sentry.DSN != "" {
		s.Sentry.DSN = mask
	}
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// loading already validated; reaching here means it passed
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}
