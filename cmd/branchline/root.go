package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/branchline/internal/config"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// resolveConfigPath prefers --config over the environment and XDG defaults.
func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := o.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "branchline",
		Short:         "Multi-branch messaging gateway for restaurant chains",
		Long:          "branchline keeps one messaging session per restaurant branch alive, answers customers with branch-aware replies and persists each conversation.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to gateway.yaml (default: $BRANCHLINE_CONFIG or ~/.config/branchline/gateway.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newBranchesCmd(opts),
		newStatusCmd(opts),
		newHealthCmd(opts),
		newStartCmd(opts),
		newPairCmd(opts),
		newSendCmd(opts),
		newDisconnectCmd(opts),
		newLogoutCmd(opts),
		newSessionsCmd(opts),
	)

	return rootCmd
}
