package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
)

var checkNext int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and print upcoming fire times",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		if err := app.ValidateJobs(cfg, builtinFuncs()); err != nil {
			return err
		}
		previews, err := app.PreviewJobs(cfg, time.Now(), checkNext)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tENABLED\tNEXT")
		for _, p := range previews {
			if len(p.Next) == 0 {
				fmt.Fprintf(w, "%s\t%v\t(never)\n", p.Name, p.Enabled)
				continue
			}
			for i, t := range p.Next {
				name, enabled := "", ""
				if i == 0 {
					name, enabled = p.Name, fmt.Sprint(p.Enabled)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, enabled, t.Format("2006-01-02 15:04:05 MST"))
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("config ok: %d job(s)\n", len(previews))
		return nil
	},
}

func init() {
	checkCmd.Flags().IntVarP(&checkNext, "next", "n", 3, "number of upcoming fire times per job")
}
