package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stackwave/helmsman/pkg/bus"
	"github.com/stackwave/helmsman/pkg/config"
	"github.com/stackwave/helmsman/pkg/dhcp"
	"github.com/stackwave/helmsman/pkg/dispatcher"
	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/metrics"
	"github.com/stackwave/helmsman/pkg/proxyconf"
	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("namespace", cfg.Namespace).Msg("starting helmsman")

	store, err := storage.NewBoltStore(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	transport, err := bus.ConnectNATS(cfg.Broker.URL, "helmsman-"+cfg.Namespace)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer transport.Close()

	allocator := dhcp.New(dhcp.Config{
		Mask:     cfg.DHCP.Mask,
		Reserved: cfg.DHCP.Reserved,
		Probe:    cfg.DHCP.Probe,
	}, store, &dhcp.ICMPProber{})
	if err := allocator.Init(context.Background()); err != nil {
		return fmt.Errorf("init lease pool: %w", err)
	}

	disp := dispatcher.New(store, dispatcher.Config{
		StaleAfter: cfg.Tasks.StaleAfter,
	})

	var client *bus.Client
	client = bus.NewClient(transport, bus.Config{Namespace: cfg.Namespace}, bus.Handlers{
		NewTask: disp.HandleNewTaskNotification,
		Alert: func(kind string) {
			wlog := log.WithComponent("main")
			wlog.Warn().Str("kind", kind).Msg("alert received")
		},
		LeaseQuery: func(payload []byte) {
			var query struct {
				Requester string `json:"requester"`
			}
			if err := json.Unmarshal(payload, &query); err != nil || query.Requester == "" {
				return
			}
			ip, err := allocator.Lease()
			if err != nil {
				client.GrantLease(query.Requester, "", err.Error())
				return
			}
			client.GrantLease(query.Requester, ip, "")
		},
	})
	if err := client.Start(); err != nil {
		return fmt.Errorf("start bus client: %w", err)
	}
	defer client.Stop()

	guard := proxyconf.NewGuard()
	generator := proxyconf.NewFileGenerator(cfg.Proxy.ConfigPath)
	proxy := proxyconf.NewGuardedGenerator(guard, generator)

	agent := workflow.NewRemote(client)
	engine := workflow.New(store, agent, client, proxy, allocator)
	engine.Register(disp)

	metrics.Register()
	go func() {
		if err := metrics.StartMetricsServer(cfg.Metrics.Addr); err != nil {
			wlog := log.WithComponent("metrics")
			wlog.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	disp.Start()
	logger.Info().Msg("helmsman is up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	disp.Stop()
	return nil
}
