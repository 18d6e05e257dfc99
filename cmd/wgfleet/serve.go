package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/clients"
	"wgfleet/internal/config"
	"wgfleet/internal/controller"
	"wgfleet/internal/deploy"
	"wgfleet/internal/execx"
	"wgfleet/internal/history"
	"wgfleet/internal/logging"
	"wgfleet/internal/metrics"
	"wgfleet/internal/status"
	"wgfleet/internal/stunutil"
	"wgfleet/internal/supervisor"
	"wgfleet/internal/telemetry"
	"wgfleet/internal/tracing"
	"wgfleet/internal/wireguard"
)

const (
	defaultStopTimeout = 10 * time.Second
	stunTimeout        = 3 * time.Second
)

type namedTask struct {
	name string
	fn   supervisor.Task
}

func serveCmd(g *globals) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry loop, management API and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), g.cfg, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", defaultStopTimeout, "How long to wait for tasks on shutdown")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, stopTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	closer, err := logging.ConfigureWithFile(cfg.Server.LogLevel, cfg.Server.LogDir, "wgfleet")
	if err != nil {
		return err
	}
	defer closer.Close()
	log := slog.Default()

	wg := wireguard.NewManager(execx.NewOSRunner(nil, nil))
	acc := metrics.NewAccumulator()
	exporter := metrics.NewExporter(acc)
	collector := telemetry.New(wg, acc, telemetry.Options{
		Interval:    cfg.TelemetryInterval(),
		PeerLogPath: cfg.Telemetry.PeerLogPath,
		OnCycle:     exporter.CycleDone,
		Logger:      log,
	})

	registry := buildRegistry(ctx, cfg, log)
	aggregator := status.NewAggregator(registry, collector, log)
	aggregator.OnSnapshot = exporter.SetUnits

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open deployment history: %w", err)
	}
	defer hist.Close()

	orchestrator := deploy.New(registry, deploy.Options{
		Recorder: hist,
		Tracer:   tracing.Tracer("deploy"),
		Logger:   log,
	})

	clientSvc := clients.New(wg, collector, clients.Options{
		RegistryPath:  cfg.RegistryPath(),
		ConfigDir:     cfg.ClientsDir(),
		DefaultTunnel: cfg.Tunnel.Interface,
		ServerAddress: cfg.Tunnel.Address,
		ListenPort:    cfg.Tunnel.ListenPort,
		Endpoint:      cfg.Tunnel.Endpoint,
		DNS:           cfg.Tunnel.DNS,
		KeepaliveSec:  cfg.Tunnel.KeepaliveSec,
		AllowedIPs:    cfg.Tunnel.ClientAllowedIPs,
		Discoverer:    &stunutil.Discoverer{Servers: cfg.Tunnel.STUNServers, Timeout: stunTimeout},
		Logger:        log,
	})

	server := controller.NewServer(controller.Options{
		Listen:   cfg.Server.Listen,
		APIKey:   cfg.Server.APIKey,
		Status:   aggregator,
		Peers:    collector,
		Clients:  clientSvc,
		Deployer: orchestrator,
		History:  hist,
		Registry: registry,
		Logger:   log,
	})

	apiLn, metricsLn, err := bindListeners(server, cfg.Server.MetricsListen)
	if err != nil {
		return err
	}

	// A task that fails is marked failed by the supervisor and logged; its
	// siblings keep running until shutdown.
	sup := supervisor.New(log)
	tasks := []namedTask{
		{"telemetry", collector.Run},
		{"api", func(ctx context.Context) error { return server.Serve(ctx, apiLn) }},
		{"units", func(ctx context.Context) error {
			return refreshUnits(ctx, aggregator, cfg.TelemetryInterval())
		}},
	}
	if metricsLn != nil {
		tasks = append(tasks, namedTask{"metrics", func(ctx context.Context) error {
			return exporter.Serve(ctx, metricsLn)
		}})
	}
	for _, t := range tasks {
		if err := sup.Add(t.name, t.fn); err != nil {
			closeListeners(apiLn, metricsLn)
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(context.WithoutCancel(ctx)); err != nil {
		closeListeners(apiLn, metricsLn)
		return err
	}

	<-sigCtx.Done()
	log.Info("shutdown requested")
	if err := sup.Stop(stopTimeout); err != nil {
		log.Warn("shutdown incomplete", "err", err)
		return err
	}
	return nil
}

// bindListeners binds the api address and, when set, the metrics address.
// Nothing stays bound when either fails.
func bindListeners(server *controller.Server, metricsAddr string) (net.Listener, net.Listener, error) {
	apiLn, err := server.Listen()
	if err != nil {
		return nil, nil, err
	}
	if metricsAddr == "" {
		return apiLn, nil, nil
	}
	metricsLn, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		apiLn.Close()
		return nil, nil, fmt.Errorf("metrics listen %s: %w", metricsAddr, err)
	}
	return apiLn, metricsLn, nil
}

func closeListeners(lns ...net.Listener) {
	for _, ln := range lns {
		if ln != nil {
			ln.Close()
		}
	}
}

// refreshUnits keeps the managed units gauge current between API calls.
func refreshUnits(ctx context.Context, agg *status.Aggregator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		agg.Snapshot(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
