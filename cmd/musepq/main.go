// Command musepq is a small driver binary for exercising the pending-event
// scheduler core outside of go test: it runs the seed scenarios of spec.md
// §8 against a selectable queue implementation and prints report_stats
// output, and drives an MT stress workload against the multi-threaded
// scheduler. Grounded on cuemby-warren/cmd/warren's cobra root-plus-
// subcommands shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iti/musepq/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "musepq",
	Short: "Driver for the musepq pending-event scheduler core",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
