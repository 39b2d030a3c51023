package main

import (
	"github.com/spf13/cobra"
)

var planOpts runOptions

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan classification batches and estimate their cost without calling the classifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		planOpts.DryRun = true
		return runPipeline(cmd.Context(), cmd.OutOrStdout(), planOpts)
	},
}

func init() {
	addRunFlags(planCmd, &planOpts, "report")
	rootCmd.AddCommand(planCmd)
}
