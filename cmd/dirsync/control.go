package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/daemon"
	"github.com/dohuyhoang93/DirectorySync/internal/history"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"

	"github.com/spf13/cobra"
)

// Commands talking to a running daemon.

func (a *app) startCmd() *cobra.Command {
	var interval string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the periodic sync of all enabled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context(), interval); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync started")
			return nil
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "", "override the configured interval, e.g. 300, 5m, PT5M or @every 5m")
	return cmd
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop the periodic sync and kill the running tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync stopped")
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run SOURCE DESTINATION",
		Short: "sync one configured job now, next to the periodic sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			key := model.Key{Source: args[0], Destination: args[1]}
			resp, err := c.Run(cmd.Context(), key, wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, resp.Status)
			if resp.Status == "failed" {
				return fmt.Errorf("sync of %s failed", key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the sync is over")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show whether the sync runs and the last outcome of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list the last runs since the daemon started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			runs, err := c.History(cmd.Context(), n)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of runs")
	return cmd
}

func (a *app) logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "follow the log of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return c.Events(ctx, func(ev report.Event) {
				fmt.Fprintln(out, formatEvent(ev))
			})
		},
	}
}

func printStatus(w io.Writer, st daemon.Status) {
	if st.Running {
		fmt.Fprintf(w, "sync:     %s, every %s, %d jobs\n", statusStyle(model.StatusSyncing).Render("running"), st.Interval, len(st.Snapshot))
	} else {
		fmt.Fprintf(w, "sync:     %s\n", statusStyle(model.StatusIdle).Render("stopped"))
	}
	if len(st.Slots) > 0 {
		fmt.Fprintf(w, "active:   %v\n", st.Slots)
	}
	for _, j := range st.Jobs {
		enabled := ""
		if !j.Enabled {
			enabled = " (disabled)"
		}
		fmt.Fprintf(w, "%s %s [%s]%s", badge(j.Status), j.Key(), j.Tool, enabled)
		if j.Updated != nil {
			fmt.Fprintf(w, " at %s", j.Updated.Local().Format(time.DateTime))
		}
		fmt.Fprintln(w)
		if j.Diagnostic != "" {
			fmt.Fprintf(w, "    %s\n", firstLine(j.Diagnostic))
		}
	}
}

func printHistory(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs yet")
		return
	}
	for _, r := range runs {
		took := "running"
		if r.FinishedAt != nil {
			took = r.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s %s %s (%s)\n",
			r.StartedAt.Local().Format(time.DateTime),
			badge(r.Status),
			r.Key(),
			took)
		if r.Diagnostic != "" {
			fmt.Fprintf(w, "    %s\n", firstLine(r.Diagnostic))
		}
	}
}
