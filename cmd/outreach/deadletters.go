package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

func deadLettersCMD(cfgPath *string) *cobra.Command {
	dl := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and remediate dead-lettered jobs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			a := &app{cfg: cfg}
			if err := openQueue(cmd.Context(), cfg, a); err != nil {
				return err
			}
			defer a.Close()
			jobs, err := a.queue.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue JOB_ID...",
		Short: "Move dead jobs back to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			a := &app{cfg: cfg}
			if err := openQueue(cmd.Context(), cfg, a); err != nil {
				return err
			}
			defer a.Close()
			var failed int
			for _, id := range args {
				if err := a.queue.Requeue(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs not requeued", failed, len(args))
			}
			return nil
		},
	}

	dl.AddCommand(list, requeue)
	return dl
}

func printJobs(w io.Writer, jobs []queue.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTRACTOR\tACTION\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.ContractorID, j.ActionType, j.Attempt, j.UpdatedAt.Format(time.RFC3339), truncate(j.LastError, 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
