package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

var (
	historyJob   string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent executions from the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
		if err != nil {
			return err
		}
		if st == nil {
			return errors.New("storage is disabled in config")
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		recs, err := st.RecentExecutions(ctx, storage.Query{Job: historyJob, Limit: historyLimit})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tJOB\tCODE\tTOOK\tMSGS\tFAULTS\tLAST FAULT")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
				r.Started.Local().Format("2006-01-02 15:04:05"), r.Job, r.Code,
				r.Duration.Round(time.Millisecond), r.Messages, r.Faults, r.LastFault)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyJob, "job", "j", "", "only this job")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max records")
}
