package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/preflight"
)

var serveSkipPreflight bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Long: `Run the daemon loop: reconcile persisted sessions against live
containers on startup and on a fixed interval, and keep doing so until
interrupted. Session state lives in the SQLite database, so the one-shot
session commands see the same world.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		checker := preflight.NewChecker(preflight.Config{
			Skip:          serveSkipPreflight,
			DockerPing:    a.containers.Ping,
			DBPath:        a.cfg.DBPath,
			WorkspaceRoot: a.cfg.WorkspaceRoot,
		})
		if err := checker.Run(ctx); err != nil {
			return err
		}

		log.Info("burrowd started",
			"db", a.cfg.DBPath,
			"workspace_root", a.cfg.WorkspaceRoot,
			"image", a.cfg.Image,
			"reconcile_interval", a.cfg.ReconcileInterval(),
		)

		a.reconciler.Run(ctx)

		log.Info("burrowd shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Skip startup environment checks")
	rootCmd.AddCommand(serveCmd)
}
