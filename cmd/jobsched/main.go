package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobsched",
	Short: "jobsched - named cron job scheduler",
	Long: `jobsched runs named jobs on cron schedules. Each firing executes the job's
reference in isolation: a subprocess, or a registered in-process function
(func:<name>).

Examples:
  jobsched run --config jobsched.yaml            # run the scheduler
  jobsched check --config jobsched.yaml --next 5 # validate and preview fire times
  jobsched history --config jobsched.yaml --job sync`,
	SilenceUsage: true,
}

var cfgPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobsched.yaml", "path to config (json or yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
