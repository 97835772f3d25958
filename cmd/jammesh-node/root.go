package main

import (
	"github.com/spf13/cobra"

	"jammesh/pkg/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jammesh-node",
		Short:        "Peer-to-peer collaboration node for live music sessions",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "path to YAML config file (default: search jammesh.yaml, or $"+config.EnvPrefix+"_CONFIG)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
