package main

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dohuyhoang93/DirectorySync/internal/command"
	"github.com/dohuyhoang93/DirectorySync/internal/model"

	"github.com/spf13/cobra"
)

// Commands editing the config file. A running daemon picks the changes up
// through its config watch.

func (a *app) jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "list, add and remove sync jobs",
	}
	cmd.AddCommand(a.jobListCmd(), a.jobAddCmd(), a.jobRemoveCmd())
	return cmd
}

func (a *app) jobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list the configured jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			jobs := a.store.Config().Jobs
			if len(jobs) == 0 {
				fmt.Fprintf(out, "no jobs in %s\n", a.store.Path())
				return nil
			}
			for i, j := range jobs {
				printJob(out, i+1, j)
			}
			return nil
		},
	}
}

func printJob(w io.Writer, n int, j model.Job) {
	mark := "x"
	if !j.Enabled {
		mark = " "
	}
	fmt.Fprintf(w, "%2d [%s] %s (%s %s)\n", n, mark, j.Key(), j.Tool, j.Mode)
	if len(j.Exclusions) > 0 {
		fmt.Fprintf(w, "       exclude: %s\n", strings.Join(j.Exclusions, ", "))
	}
}

func (a *app) jobAddCmd() *cobra.Command {
	var (
		tool, mode string
		exclusions []string
		disabled   bool
		mirror     model.MirrorOptions
		cloud      model.CloudOptions
	)
	cmd := &cobra.Command{
		Use:   "add SOURCE DESTINATION",
		Short: "add a job to the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := model.ParseTool(tool)
			if err != nil {
				return err
			}
			m, err := model.ParseMode(t, mode)
			if err != nil {
				return err
			}
			job := model.Job{
				Source:      args[0],
				Destination: args[1],
				Tool:        t,
				Mode:        m,
				Enabled:     !disabled,
				Exclusions:  exclusions,
			}
			switch t {
			case model.ToolMirror:
				if mirror != (model.MirrorOptions{}) {
					job.Mirror = &mirror
				}
			case model.ToolCloud:
				if cloud != (model.CloudOptions{}) {
					job.Cloud = &cloud
				}
			}

			jobs := a.store.Config().Jobs
			if _, ok := model.Find(jobs, job.Key()); ok {
				return fmt.Errorf("job %s already exists", job.Key())
			}
			if err := a.store.SaveJobs(append(jobs, job)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", job.Key(), a.store.Path())
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&tool, "tool", string(model.ToolMirror), "robocopy or rclone")
	f.StringVar(&mode, "mode", "", "MIR or E-Copy for robocopy, sync or copy for rclone")
	f.StringArrayVar(&exclusions, "exclude", nil, "exclusion pattern, a trailing / marks a directory (repeatable)")
	f.BoolVar(&disabled, "disabled", false, "add the job disabled")
	f.IntVar(&mirror.Threads, "threads", 0, "robocopy threads")
	f.IntVar(&mirror.Retries, "retries", 0, "robocopy retries")
	f.IntVar(&mirror.WaitSeconds, "wait", 0, "robocopy wait between retries in seconds")
	f.BoolVar(&mirror.CleanRust, "clean-rust", false, "run cargo clean in Rust projects below the source first")
	f.IntVar(&cloud.Checkers, "checkers", 0, "rclone checkers")
	f.IntVar(&cloud.Transfers, "transfers", 0, "rclone transfers")
	f.IntVar(&cloud.MultiThreadStreams, "multi-thread-streams", 0, "rclone multi thread streams")
	return cmd
}

func (a *app) jobRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove SOURCE DESTINATION",
		Aliases: []string{"rm"},
		Short:   "remove a job from the config file",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := model.Key{Source: args[0], Destination: args[1]}
			jobs := a.store.Config().Jobs
			i := slices.IndexFunc(jobs, func(j model.Job) bool { return j.Key() == key })
			if i < 0 {
				return fmt.Errorf("job %s not configured", key)
			}
			if err := a.store.SaveJobs(slices.Delete(jobs, i, i+1)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
			return nil
		},
	}
}

func (a *app) commandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "command SOURCE DESTINATION",
		Short: "print the tool invocation of a configured job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.store.Config()
			key := model.Key{Source: args[0], Destination: args[1]}
			job, ok := model.Find(cfg.Jobs, key)
			if !ok {
				return fmt.Errorf("job %s not configured", key)
			}
			c, err := cfg.Builder().Build(job)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.String())
			return nil
		},
	}
}

var errToolMissing = errors.New("tool not found")

type toolCheck struct {
	name string
	path string
	hint string
	// needed reports whether an enabled job depends on the tool
	needed bool
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "check the external tools can be found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.store.Config()
			var mirror, cloud, cargo bool
			for _, j := range model.Enabled(cfg.Jobs) {
				switch j.Tool {
				case model.ToolMirror:
					mirror = true
					cargo = cargo || j.MirrorOptions().CleanRust
				case model.ToolCloud:
					cloud = true
				}
			}

			checks := []toolCheck{
				{name: "robocopy", path: or(cfg.Tools.Mirror, string(model.ToolMirror)), hint: "robocopy ships with Windows, make sure %SystemRoot%\\System32 is in PATH", needed: mirror},
				{name: "rclone", path: or(cfg.Tools.Cloud, string(model.ToolCloud)), hint: "install it from https://rclone.org/install/", needed: cloud},
				{name: "cargo", path: or(cfg.Tools.Cargo, command.CargoTool), hint: "install Rust from https://rustup.rs, only robocopy.clean_rust needs it", needed: cargo},
			}

			out := cmd.OutOrStdout()
			var errs []error
			for _, c := range checks {
				found, err := exec.LookPath(c.path)
				if err == nil {
					fmt.Fprintf(out, "%-8s %s %s\n", c.name, successStyle.Render("found"), found)
					continue
				}
				style := warningStyle
				if c.needed {
					style = errorStyle
					errs = append(errs, fmt.Errorf("%w: %s", errToolMissing, c.name))
				}
				fmt.Fprintf(out, "%-8s %s %s: %s\n", c.name, style.Render("missing"), c.path, c.hint)
			}
			return errors.Join(errs...)
		},
	}
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
