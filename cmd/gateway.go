package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/capabilities"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/clawgate/internal/http"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/tracing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"run"},
		Short:   "Run the gateway (platform plugins, webhook endpoint, WebSocket control plane)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	_, statErr := os.Stat(cfgPath)
	cfgExists := statErr == nil
	if !cfgExists {
		slog.Warn("config file not found, running on defaults", "path", cfgPath, "hint", "clawgate onboard")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	// Binding store
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Routing: config bindings first, then persisted ones on top.
	routingSvc := routing.NewService(routing.WithCacheSize(cfg.Routing.CacheSize))
	routingSvc.SetStore(stores.Bindings)
	if err := routingSvc.Reload(ctx, cfg.RoutingSnapshot()); err != nil {
		slog.Warn("routing: persisted bindings unavailable", "error", err)
	}

	// Core pipeline
	msgBus := bus.NewMessageBus(cfg.Gateway.QueueCapacity)
	defer msgBus.Close()

	dispatcher := dispatch.New(cfg, msgBus, routingSvc, nil)

	server := gateway.NewServer(cfg, msgBus)
	server.SetIngestor(dispatcher)
	server.SetQueue(msgBus)

	// Platform plugins
	channelMgr := channels.NewManager(msgBus, msgBus, channels.ReconnectPolicyFromConfig(cfg.Channels.Reconnect))
	registerChannels(cfg, channelMgr, dispatcher, server)
	dispatcher.SetChannels(channelMgr)
	channelMgr.SetDeliveryHook(dispatcher.Delivered)

	metrics := gateway.NewMetrics()
	registerMetrics(metrics, server, dispatcher, routingSvc, channelMgr)
	server.SetMetrics(metrics)

	// RPC methods
	router := server.Router()
	methods.NewGatewayMethods(server).Register(router)
	methods.NewRoutingMethods(routingSvc, msgBus).Register(router)
	methods.NewCapabilityMethods(capabilities.DefaultServerCapabilities()).Register(router)
	methods.NewAckMethods(dispatcher.Acks()).Register(router)
	methods.NewSessionMethods(dispatcher.Sessions()).Register(router)

	// REST admin API
	server.AddRoutes(httpapi.NewBindingsHandler(routingSvc, cfg.Gateway.Token, msgBus))
	server.AddRoutes(httpapi.NewSessionsHandler(dispatcher.Sessions(), cfg.Gateway.Token))

	slog.Info("clawgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", storeMode(cfg),
		"routing", routingSvc.IsEnabled(),
		"bindings", len(routingSvc.ListBindings()),
		"channels", channelMgr.Names(),
		"methods", len(router.Methods()),
	)

	// Tailscale listener: build the mux first so the same routes are served
	// on both listeners. Compiled via build tags: `go build -tags tsnet`.
	mux := server.BuildMux()
	if tsCleanup := initTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return dispatcher.RunJanitor(gctx) })
	g.Go(func() error {
		channelMgr.HealthLoop(gctx)
		return nil
	})
	if cfgExists {
		g.Go(func() error {
			return config.Watch(gctx, cfgPath, func(next *config.Config) {
				reloadRouting(gctx, cfg, next, routingSvc, msgBus)
			})
		})
	}

	err = g.Wait()
	slog.Info("graceful shutdown initiated")
	if stopErr := channelMgr.StopAll(context.Background()); stopErr != nil {
		slog.Warn("channel shutdown", "error", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		return err
	}
	return nil
}

// reloadRouting applies a changed routing section without a restart.
// Everything else in the file needs a restart to take effect.
func reloadRouting(ctx context.Context, cfg, next *config.Config, svc *routing.Service, events bus.EventPublisher) {
	cfg.ReplaceRouting(next.Routing)
	if err := svc.Reload(ctx, next.RoutingSnapshot()); err != nil {
		slog.Warn("routing reload: persisted bindings unavailable", "error", err)
	}
	slog.Info("routing reloaded", "enabled", svc.IsEnabled(), "bindings", len(svc.ListBindings()))
	events.Broadcast(bus.Event{
		Name:    protocol.EventRoutingUpdated,
		Payload: protocol.RoutingUpdatedPayload{Action: "reloaded"},
	})
}

func storeMode(cfg *config.Config) string {
	if cfg.IsManagedMode() {
		return "managed"
	}
	return "standalone"
}
