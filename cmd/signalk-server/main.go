// Package main runs the Signal K delta server: the delta pipeline with its
// NATS provider input, JetStream mirror output and WebSocket stream
// interface, plus the metrics and health endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/health"
	natsinput "github.com/SignalK/signalk-server-sub000/input/nats"
	"github.com/SignalK/signalk-server-sub000/input/udp"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	natsoutput "github.com/SignalK/signalk-server-sub000/output/nats"
	wsoutput "github.com/SignalK/signalk-server-sub000/output/websocket"
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
	"github.com/SignalK/signalk-server-sub000/security"
	"github.com/SignalK/signalk-server-sub000/server"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "signalk-server"
)

const healthInterval = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	var o options
	cmd := newRootCmd(&o)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func serve(ctx context.Context, cli *options) error {
	cfg, err := loadConfig(cli.configPath)
	if err != nil {
		return err
	}

	logging := resolveLogging(cli, cfg.Logging)
	logger := setupLogger(logWriter(logging), logging)
	slog.SetDefault(logger)

	if cfg.EnsureSelfID() {
		logger.Warn("no selfId configured, using a generated one; set settings.selfId to keep it across restarts",
			"self_id", cfg.Settings.SelfID)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cli.validateOnly {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting Signal K server",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cli.configPath,
		"self", cfg.Settings.SelfContext())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(cli.shutdownTimeout)

	return app.run(ctx, cli.shutdownTimeout)
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// application owns the long-lived pieces wired from one configuration.
type application struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	server   *server.Server
	nats     *natsclient.Client
	settings *config.Manager
	manager  *component.Manager
	monitor  *health.Monitor
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	srv, err := server.New(cfg.Settings,
		server.WithLogger(logger),
		server.WithMetricsRegistry(app.registry),
		server.WithSecurity(security.NewStrategy(cfg.Settings.SelfContext(), cfg.Security.ACLs)),
		server.WithIdentity(appName, Version),
	)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	app.server = srv

	if cfg.NATS.Enabled {
		if err := app.connectNATS(ctx); err != nil {
			app.close(5 * time.Second)
			return nil, err
		}
	}

	if err := app.registerComponents(); err != nil {
		app.close(5 * time.Second)
		return nil, err
	}
	return app, nil
}

func (a *application) connectNATS(ctx context.Context) error {
	cfg := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + a.cfg.Settings.SelfID),
		natsclient.WithReconnect(cfg.MaxReconnects, cfg.ReconnectWait),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	a.logger.Info("Connecting to NATS", "url", client.URL())
	if err := retry.Do(ctx, retry.Quick(), func() error { return client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	settings, err := config.NewConfigManager(a.cfg, client, a.logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := settings.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	a.settings = settings
	return nil
}

// registration names a component for the manager. Start order follows
// registration order, so the server comes first.
type registration struct {
	name string
	comp component.LifecycleComponent
}

func (a *application) registerComponents() error {
	a.manager = component.NewManager(
		component.WithManagerLogger(a.logger.With("component", "component-manager")),
		component.WithStartRetry(retry.DefaultConfig()),
	)

	comps := []registration{{"server", a.server}}

	ifaces := a.cfg.Interfaces
	if ifaces.NATSInput.Enabled {
		comps = append(comps, registration{"nats-input", natsinput.NewInput(natsinput.InputDeps{
			Config:          ifaces.NATSInput,
			Subscriber:      a.nats,
			Handler:         a.server,
			MetricsRegistry: a.registry,
			Logger:          a.logger,
		})})
	}
	if ifaces.UDPInput.Enabled {
		comps = append(comps, registration{"udp-input", udp.NewInput(udp.InputDeps{
			Config:          ifaces.UDPInput,
			Handler:         a.server,
			MetricsRegistry: a.registry,
			Logger:          a.logger,
		})})
	}
	if ifaces.NATSOutput.Enabled {
		comps = append(comps, registration{"nats-output", natsoutput.NewOutput(natsoutput.OutputDeps{
			Config:          ifaces.NATSOutput,
			Publisher:       a.nats,
			Source:          a.server,
			MetricsRegistry: a.registry,
			Logger:          a.logger,
		})})
	}
	if ifaces.WS.Enabled {
		comps = append(comps, registration{"ws", wsoutput.NewOutput(wsoutput.OutputDeps{
			Config:          ifaces.WS,
			Server:          a.server,
			TLS:             a.cfg.Security.TLS.Server,
			MetricsRegistry: a.registry,
			Logger:          a.logger,
		})})
	}

	for _, c := range comps {
		if err := a.manager.Register(c.name, c.comp); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	if err := a.manager.Initialize(); err != nil {
		return fmt.Errorf("initialize components: %w", err)
	}
	return nil
}

// run starts every component and blocks until ctx is cancelled or a
// background service fails.
func (a *application) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	a.logger.Info("Signal K server started", "components", len(a.manager.Components()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.monitor.Watch(gctx, healthInterval, a.manager.Components)
		return nil
	})

	if a.settings != nil {
		updates := a.settings.OnChange(config.KeySettings)
		g.Go(func() error {
			a.server.WatchSourcePriorities(gctx, updates)
			return nil
		})
	}

	if a.cfg.Metrics.Enabled {
		ms := metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry, a.monitor.Check(appName))
		g.Go(func() error {
			a.logger.Info("Metrics server listening", "address", ms.Address())
			return ms.Serve(gctx, shutdownTimeout)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
	}

	if stopErr := a.manager.Stop(shutdownTimeout); stopErr != nil {
		a.logger.Error("Error stopping components", "error", stopErr)
		if err == nil {
			err = fmt.Errorf("graceful shutdown failed: %w", stopErr)
		}
	}
	a.logger.Info("Signal K server shutdown complete")
	return err
}

// close releases the NATS resources. Components are stopped by run.
func (a *application) close(timeout time.Duration) {
	if a.settings != nil {
		if err := a.settings.Stop(timeout); err != nil {
			a.logger.Warn("config manager stop failed", "error", err)
		}
		a.settings = nil
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
		a.nats = nil
	}
}
