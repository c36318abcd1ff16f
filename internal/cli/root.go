// Package cli implements synctl, the operator tool for the companion queue,
// the primary device's conflicts and the permission presets.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions resolves settings from flags, SYNCTL_* environment variables and
// an optional config file, in that order of precedence.
type RootOptions struct {
	v *viper.Viper
}

// Format returns the output format.
func (o *RootOptions) Format() string { return o.v.GetString("format") }

// PrimaryURL returns the base URL of the primary device's local API.
func (o *RootOptions) PrimaryURL() string {
	return strings.TrimRight(o.v.GetString("primary"), "/")
}

// NewRootCommand creates the synctl root command.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("synctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	opts := &RootOptions{v: v}

	var configFile string
	cmd := &cobra.Command{
		Use:           "synctl",
		Short:         "Operate ridesync devices",
		Long:          "Inspect the companion relay queue, resolve sync conflicts on the primary device and review sharing presets.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", configFile, err)
				}
			}
			if !isValidFormat(opts.Format()) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format(), ValidFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.String("format", "text", "output format (json|text)")
	flags.String("primary", "http://localhost:8080", "primary device API base URL")
	_ = v.BindPFlag("format", flags.Lookup("format"))
	_ = v.BindPFlag("primary", flags.Lookup("primary"))

	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newPresetsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	return cmd
}

// bind ties a subcommand flag to a viper key of the same name.
func (o *RootOptions) bind(cmd *cobra.Command, name string) {
	_ = o.v.BindPFlag(name, cmd.Flags().Lookup(name))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
