package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr  string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "keyvaultd",
		Short: "API key pool manager for upstream generative-AI keys",
		Long:  "keyvaultd rotates, validates, and serves a pool of upstream API keys to a reverse proxy.",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address (config store / cache)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		serveCmd(),
		keyCmd(),
		precheckCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keyvaultd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("keyvaultd dev")
			return nil
		},
	}
}
