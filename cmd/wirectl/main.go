package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wirectl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wirectl",
		Short: "Run and poke a gamewire message server",
		Long: `wirectl runs a demo gamewire server and talks to one.

The server speaks length-prefixed binary frames over TCP and exposes
health, registry and Prometheus metrics on the admin address.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		sendCmd(),
		initConfigCmd(),
		versionCmd(),
	)
	return root
}
