package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/config"
	"github.com/dohuyhoang93/DirectorySync/internal/daemon"
	"github.com/dohuyhoang93/DirectorySync/internal/history"
	"github.com/dohuyhoang93/DirectorySync/internal/log"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
	"github.com/dohuyhoang93/DirectorySync/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func (a *app) daemonCmd() *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "serve the control API and run the sync cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.doDaemon(ctx, autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the periodic sync right away")
	return cmd
}

func (a *app) doDaemon(ctx context.Context, autostart bool) error {
	ctx = log.ContextAttrs(ctx, slog.Group("dirsync",
		slog.String("cmd", "daemon"),
		slog.Int("pid", os.Getpid()),
	))
	cfg := a.store.Config()

	reporter := report.New()
	hist, err := history.Open(history.Memory)
	if err != nil {
		return err
	}
	defer func() {
		_ = hist.Close()
	}()

	// executables are resolved once, a changed tools section needs a restart
	runner := service.NewJobRunner(service.NewRunner(), cfg.Builder(), reporter)
	scheduler := service.NewScheduler(runner, reporter)
	server := daemon.NewServer(scheduler, reporter, hist, a.store)

	a.store.Watch(func(c config.Config, err error) {
		if err != nil {
			reporter.Error(ctx, "config reload failed: "+err.Error())
			return
		}
		reporter.Log(ctx, report.Info, fmt.Sprintf("config reloaded: %d jobs", len(c.Jobs)))
	})

	g, gctx := errgroup.WithContext(ctx)
	historySub := reporter.Subscribe(cfg.Buffer)
	g.Go(func() error {
		// ends with reporter.Close
		hist.Follow(context.WithoutCancel(gctx), historySub)
		return nil
	})
	g.Go(func() error {
		return server.Serve(cfg.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := scheduler.Shutdown(sctx)
		// closing the reporter ends the event streams, so the server can drain
		reporter.Close()
		return errors.Join(err, server.Shutdown(sctx))
	})

	if autostart {
		if err := cfg.Validate(); err != nil {
			reporter.Error(ctx, "cannot start sync: "+err.Error())
		} else {
			interval, _ := cfg.IntervalDuration()
			if err := scheduler.Start(ctx, cfg.Jobs, interval); err != nil {
				slog.WarnContext(ctx, "autostart failed", "error", err)
			}
		}
	}

	return g.Wait()
}
