// Command seqd is the dual-role segment-based ID issuance daemon (spec
// OVERVIEW), wired as a cobra CLI in the same root-command-plus-
// PersistentFlags-plus-cobra.OnInitialize shape as
// cuemby-warren/cmd/warren's main.go, trimmed to seqd's single daemon
// plus admin-client surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"seqd/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "seqd",
	Short: "seqd issues globally unique 64-bit IDs from dual-role segment buffers",
	Long: `seqd is a distributed ID issuance daemon. Nodes run as one of two
cooperating roles, Even or Odd, sharing a relational segment store and
partitioning the ID space so both roles issue without coordinating on
every request.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
