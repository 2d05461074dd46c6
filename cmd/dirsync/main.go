package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/dohuyhoang93/DirectorySync/internal/config"
	"github.com/dohuyhoang93/DirectorySync/internal/daemon"
	"github.com/dohuyhoang93/DirectorySync/internal/log"

	"github.com/spf13/cobra"
)

// app is the state shared by all commands of one invocation.
type app struct {
	store *config.Store

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagURL            string // value of --url flag

	// stderr receives the log records, os.Stderr unless a test replaces it
	stderr io.Writer
}

func main() {
	a := &app{stderr: os.Stderr}
	if err := a.rootCmd().Execute(); err != nil {
		slog.Error("dirsync failed", "err", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dirsync",
		Short:        "Periodic directory synchronization through robocopy and rclone",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// parse the config, setup logging
		PersistentPreRunE: a.init,
	}

	root.PersistentFlags().StringVar(&a.flagConfigFilePath, "config", "", "Config file to load - default is $"+config.EnvConfig+" or dirsync.yaml in the user config directory or in current directory")
	root.PersistentFlags().BoolVar(&a.flagVerbose, "verbose", false, "verbose logging")
	root.PersistentFlags().StringVar(&a.flagURL, "url", "", "daemon url, derived from the listen address by default")

	root.AddCommand(
		a.daemonCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.runCmd(),
		a.statusCmd(),
		a.logsCmd(),
		a.historyCmd(),
		a.jobCmd(),
		a.commandCmd(),
		a.checkCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	store, err := config.Load(a.flagConfigFilePath)
	if err != nil {
		var schemaErr *config.SchemaError
		if errors.As(err, &schemaErr) {
			for _, d := range schemaErr.Details {
				slog.Error("config", d.Attr("detail"))
			}
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	a.store = store

	// --verbose has a precedence over config file
	verbose := a.flagVerbose || store.Config().Verbose
	slog.SetDefault(log.NewWriter(a.stderr, verbose))

	slog.Debug("dirsync", "configPath", store.Path())
	return nil
}

func (a *app) client() (*daemon.Client, error) {
	u := a.flagURL
	if u == "" {
		u = daemon.URL(a.store.Config().Listen)
	}
	return daemon.NewClient(u)
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "version of dirsync",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "dirsync: version info not available")
				return
			}

			fmt.Fprintf(out, "config:  %s\n", a.store.Path())
			fmt.Fprintf(out, "dirsync: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					fmt.Fprintf(out, "commit:  %s\n", s.Value)
				case "vcs.time":
					fmt.Fprintf(out, "date:    %s\n", s.Value)
				case "vcs.modified":
					fmt.Fprintf(out, "dirty:   %s\n", s.Value)
				}
			}
		},
	}
}
