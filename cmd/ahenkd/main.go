package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
)

const defaultConfigPath = "/etc/ahenk"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(buildVersion()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ahenkd: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func buildVersion() string {
	if commit != "" {
		return version + " (" + commit + ")"
	}
	return version
}

func newRootCmd(version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ahenkd",
		Short:         "Ahenk endpoint agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file or directory")

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newStartCmd(&configPath, version))
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newWatchCmd(&configPath))
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ahenkd %s\n", version)
		},
	}
}

func newStartCmd(configPath *string, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), *configPath, version)
		},
	}
}
