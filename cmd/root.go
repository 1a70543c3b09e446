package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ms-checkin",
	Short: "Event check-in API and per-terminal badge print agent",
	// serve is the default so the container entrypoint needs no arguments.
	RunE: runServe,
}

func Execute() error {
	return rootCmd.Execute()
}
