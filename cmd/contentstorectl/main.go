// Command contentstorectl is an offline inspection tool for the storage
// core: decoding bundle files, verifying node-type registries, and
// listing REFERENCE-typed properties found in a data file. It does not
// itself open a session against a running process.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/contentstore/pkg/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "contentstorectl",
	Short: "Offline inspection tool for the content store",
	Long: `contentstorectl inspects the storage core's on-disk artifacts
without opening a session against a running process: bundle files,
node-type registries, and reference graphs.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyTypesCmd)
	rootCmd.AddCommand(dumpRefsCmd)
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
