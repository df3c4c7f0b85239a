package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fallback",
		Short:         "Resilient request-interception proxy",
		Long:          "fallback sits in front of an origin and answers from network, cache or a durable write queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("FALLBACK_CONFIG", "/fallback.yaml"), "path to fallback.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newControlCommand())
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
