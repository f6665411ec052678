package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	serverURL  string
	token      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Sync relay for collaborative documents",
		Long: `Relay keeps replicated documents in sync between peers.

Clients join a room over WebSocket, exchange document updates and
presence (awareness) state, and the relay fans every change out to the
other peers in the room. Rooms live in memory and can be persisted to a
snapshot store when they are evicted.

  • Two-step state-vector sync handshake
  • Awareness relay with cleanup on disconnect
  • REST snapshot read and write
  • Prometheus metrics and OpenTelemetry spans`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&g.serverURL, "server", envOr("RELAY_SERVER", "http://localhost:1234"), "relay base URL for client commands")
	rootCmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("RELAY_TOKEN"), "bearer token for client commands")

	rootCmd.AddCommand(
		serveCmd(g),
		roomsCmd(g),
		docCmd(g),
		snapshotCmd(g),
		versionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// success prints a success message.
func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}
