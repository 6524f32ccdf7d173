package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/agent-command/sessiond/internal/config"
	"github.com/agent-command/sessiond/internal/logging"
)

// Version information
const Version = "0.1.0"

const defaultConfigPath = "/etc/sessiond/config.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "Terminal session daemon for operators and sandboxed coding agents",
		Long:          "sessiond spawns shells and coding agents on pseudo-terminals, streams their output to UI clients and, in production posture, confines agents to their project.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newProductionCmd(opts),
		newProbeCmd(opts),
		newHookCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration and applies its logging section.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	logging.Configure(cfg.Logging)
	return cfg, nil
}

func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("sessiond version " + Version + "\n"))
			return err
		},
	}
}
