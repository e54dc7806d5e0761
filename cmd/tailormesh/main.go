package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "tailormesh",
		Short:         "tailormesh - streaming supplement consultation service",
		Long:          "Serves the chat and formulation pipeline over HTTP and runs them from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TAILORMESH_CONFIG"), "Path to the YAML config file")

	root.AddCommand(
		serveCmd(&configPath),
		chatCmd(&configPath),
		formulateCmd(&configPath),
		priceCmd(),
		instructionsCmd(),
		ledgerCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
