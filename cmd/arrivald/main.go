// Command arrivald serves Poisson arrival schedules over HTTP.
//
// Usage:
//
//	arrivald serve [--config path/to/config.yaml]
//	arrivald watch NAME [--server URL] [--rate R --duration D]
//	arrivald version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "arrivald",
	Short:         "Arrival schedule server",
	Long:          "arrivald draws random arrival times for a given rate and duration and hands them out in order, on time, over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "arrivald", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, watchCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arrivald: %v\n", err)
		os.Exit(1)
	}
}
