package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kleeedolinux/sockio/debug"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("error loading .env file", "error", err)
	}

	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "sockio",
		Short: "Socket.IO 0.9 client and test server",
		Long: `sockio talks the legacy Socket.IO 0.9 protocol.

  connect  open a session, print packets and state changes
  serve    run a small echo server for local testing`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				debug.Enable()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "debug", "d", envBool("SOCKIO_DEBUG", false), "Enable debug logging")

	rootCmd.AddCommand(
		connectCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envUint16(key string, fallback uint16) uint16 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint16(n)
		}
	}
	return fallback
}
