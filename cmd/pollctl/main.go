package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	apiKey     string
	token      string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pollctl",
		Short:        "pollctl - control a pollsync peer over its HTTP API",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "peer API address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("POLLSYNC_API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("POLLSYNC_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(toggleCmd("enable"))
	rootCmd.AddCommand(toggleCmd("disable"))
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(smokeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
