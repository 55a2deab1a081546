package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trailside/yetilink/internal/command"
	"github.com/trailside/yetilink/internal/config"
	"github.com/trailside/yetilink/internal/event"
	"github.com/trailside/yetilink/internal/heartbeat"
	"github.com/trailside/yetilink/internal/pairing"
	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/registry"
	"github.com/trailside/yetilink/internal/server"
	"github.com/trailside/yetilink/internal/store"
	"github.com/trailside/yetilink/internal/transport/cloud"
	"github.com/trailside/yetilink/internal/transport/local"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("YetiLink starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	st, err := store.New(cfg.GetString("store.path"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	bus := event.NewBus(logger.Named("bus"))
	clock := plugin.SystemClock()

	cloudTransport := cloud.New(cloud.Config{
		BrokerURL:    cfg.GetString("cloud.broker_url"),
		ClientPrefix: cfg.GetString("cloud.client_prefix"),
		Credentials: cloud.BrokerCredentials{
			Username: cfg.GetString("cloud.username"),
			Token:    cfg.GetString("cloud.token"),
		},
	}, logger.Named("cloud"))
	localTransport := local.New(logger.Named("local"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cloudTransport.Connect(ctx); err != nil {
		// The app still works over the local link; cloud devices come
		// online once credentials are refreshed.
		logger.Warn("cloud broker unavailable", zap.Error(err))
	} else {
		defer cloudTransport.Close()
	}

	reconcileMod := reconcile.New(cloudTransport, localTransport)
	pairingMod := pairing.New(reconcileMod, localTransport, nil)
	commandMod := command.New(reconcileMod, cloudTransport, localTransport)
	heartbeatMod := heartbeat.New(reconcileMod, cloudTransport, localTransport, nil)

	reg := registry.New(logger.Named("registry"))
	for _, p := range []plugin.Plugin{reconcileMod, pairingMod, commandMod, heartbeatMod} {
		if err := reg.Register(p); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Fatal("invalid module graph", zap.Error(err))
	}

	depsFor := func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Logger: logger.Named(name),
			Config: cfg.Sub(name),
			Bus:    bus,
			Store:  st,
			Clock:  clock,
		}
	}
	if err := reg.InitAll(ctx, depsFor); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}
	if err := reg.StartAll(ctx, bus); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	addr := cfg.GetString("server.host") + ":" + cfg.GetString("server.port")
	srv := server.New(addr, reg, logger.Named("http"))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("YetiLink ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reg.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("YetiLink stopped")
}
