package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"evalgo.org/apphost/internal/api"
	"evalgo.org/apphost/internal/manifest"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
	"evalgo.org/apphost/pkg/hosting/docker"
)

var runCmd = &cobra.Command{
	Use:   "run [manifest]",
	Short: "Start the application declared in a manifest",
	Long: `Start every resource in the manifest on the local Docker daemon and
serve the health and resource API until interrupted.

The manifest defaults to app.manifest from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApp,
}

func runApp(cmd *cobra.Command, args []string) error {
	path := cfg.App.Manifest
	if len(args) == 1 {
		path = args[0]
	}
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	name := cfg.App.Name
	if m.Name != "" {
		name = m.Name
	}
	log := logrus.NewEntry(logger).WithField("app", name)

	cli, err := docker.NewClient(cfg.Runtime.DockerHost)
	if err != nil {
		return err
	}
	rt := docker.New(cli, docker.Options{
		Host:           cfg.Runtime.HostAddress,
		PullPolicy:     docker.PullPolicy(cfg.Runtime.PullPolicy),
		StopTimeout:    cfg.Runtime.StopTimeout,
		PortTimeout:    cfg.Runtime.PortTimeout,
		KeepContainers: cfg.Runtime.KeepContainers,
		Logger:         log,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.StopTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close container runtime")
		}
	}()

	reg, checks, err := newHealthRegistry()
	if err != nil {
		return err
	}

	b := hosting.NewBuilder(
		hosting.WithName(name),
		hosting.WithRuntime(rt),
		hosting.WithConfig(v),
		hosting.WithLogger(log),
		hosting.WithHealthRegistry(checks),
		hosting.WithHealthInterval(cfg.Health.Interval),
	)
	if err := manifest.Apply(b, m); err != nil {
		return err
	}
	app, err := b.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	errChan := make(chan error, 1)
	var server *api.Server
	if cfg.Server.Enabled {
		server = api.New(cfg, app, log, reg)
		go func() {
			if err := server.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	startErr := app.Start(ctx)
	if startErr == nil {
		log.WithField("resources", len(app.Resources())).Info("Application running, press Ctrl+C to stop")
		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received")
		case err := <-errChan:
			startErr = err
		}
	}

	return errors.Join(startErr, shutdown(app, server))
}

// newHealthRegistry returns a prometheus registry with process collectors
// and a health registry reporting into it.
func newHealthRegistry() (*prometheus.Registry, *health.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := health.NewMetrics(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register health metrics: %w", err)
	}
	checks := health.NewRegistry()
	checks.SetObserver(metrics)
	return reg, checks, nil
}

func shutdown(app *hosting.Application, server *api.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Runtime.StopTimeout)
	defer cancel()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := app.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop application: %w", err))
	}
	return errors.Join(errs...)
}
