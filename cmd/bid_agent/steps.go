package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/bid-assistant/internal/observability"
	"github.com/jonathan/bid-assistant/internal/steps"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List the authoring steps in order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		observability.NewPrinter(cmd.OutOrStdout()).PrintSteps(steps.List())
	},
}

func init() {
	rootCmd.AddCommand(stepsCmd)
}
