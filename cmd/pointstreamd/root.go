package main

import (
	"github.com/spf13/cobra"

	"pointstreamd/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig reads the configured file, or falls back to defaults when no
// path was given. Flag-level log settings win over the file.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Server.LogFormat = f.logFormat
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "pointstreamd",
		Short:         "Point-cloud frame streaming daemon",
		Long:          "pointstreamd streams manifest-described point-cloud frame sequences:\nit prefetches and decodes frames ahead of a playhead and plays them back\nat a target rate, over HTTP or headlessly.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "L", "", "Log level (error, warn, info, debug)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newPlayCommand(flags))
	rootCmd.AddCommand(newDecodeCommand())

	return rootCmd
}
