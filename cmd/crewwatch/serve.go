package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/notify"
	"github.com/hochfrequenz/crewwatch/internal/schedule"
	"github.com/hochfrequenz/crewwatch/internal/session"
	"github.com/hochfrequenz/crewwatch/web/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	servePort       int
	serveNoSchedule bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web API and configured schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "do not start scheduled runs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := loadTopology(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if n, err := store.RecoverInterrupted(); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("marked interrupted runs as failed", "count", n)
	}

	mgr := session.NewManager(session.Options{
		Config:   cfg,
		Topology: topo,
		Store:    store,
		Notifier: notify.FromConfig(cfg.Notifications),
	})

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(mgr, store, addr,
		api.WithBaseContext(ctx),
		api.WithArtifacts(artifacts.NewLister(cfg.Pipeline.Dir, topo)),
		api.WithLogger(slog.Default().With("component", "api")),
	)
	mgr.AddSink(server)

	fmt.Printf("Starting web API at http://%s\n", addr)
	g.Go(func() error {
		return server.Start(ctx)
	})

	if len(cfg.Schedules) > 0 && !serveNoSchedule {
		sched, err := schedule.NewScheduler(cfg.Schedules)
		if err != nil {
			return err
		}
		for _, name := range sched.Entries() {
			fmt.Printf("Schedule %s: next run %s\n", name, sched.NextRun(name).Format("2006-01-02 15:04"))
		}
		g.Go(func() error {
			return sched.Start(ctx, func(ctx context.Context, e schedule.Entry) error {
				_, err := mgr.Run(ctx)
				if errors.Is(err, session.ErrRunInProgress) {
					slog.Info("skipping scheduled run, pipeline busy", "schedule", e.Name)
					return nil
				}
				return err
			})
		})
	}

	return g.Wait()
}
