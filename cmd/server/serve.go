package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/clipsync/internal/bus"
	"github.com/Tyrowin/clipsync/internal/logging"
	"github.com/Tyrowin/clipsync/internal/metrics"
	"github.com/Tyrowin/clipsync/internal/relay"
	"github.com/Tyrowin/clipsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	server.SetConfig(cfg)
	effective := server.CurrentConfig()

	logger, err := logging.Setup(effective.Log.Level, effective.Log.Format)
	if err != nil {
		return err
	}
	logger.Info().Str("port", effective.Port).Msg("starting ClipSync relay")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	registryOpts := []relay.Option{
		relay.WithLogger(logging.Component(logger, "relay")),
		relay.WithObserver(m),
	}

	var redisBus *bus.RedisBus
	if effective.Redis.Enabled() {
		redisBus, err = bus.NewRedisBus(ctx, bus.Options{
			Addr:   effective.Redis.Addr,
			DB:     effective.Redis.DB,
			Prefix: effective.Redis.ChannelPrefix,
		}, logging.Component(logger, "bus"))
		if err != nil {
			return errors.Wrap(err, "connecting to redis")
		}
		defer func() { _ = redisBus.Close() }()
		registryOpts = append(registryOpts, relay.WithForwarder(redisBus))
	}

	registry := relay.NewRegistry(registryOpts...)
	hub := server.NewHub(registry, logging.Component(logger, "hub"), m)
	server.StartHub(hub)

	mux := server.SetupRoutes(hub, m.Handler())
	httpServer := server.CreateServer(effective.Port, mux)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.StartServer(httpServer)
	})
	if redisBus != nil {
		eg.Go(func() error {
			return redisBus.Subscribe(egCtx, func(msg bus.Message) {
				registry.RelayRemote(msg.Room, msg.Payload, msg.From)
			})
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		return shutdown(logger, httpServer, hub)
	})

	if err := eg.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
		return err
	}
	logger.Info().Msg("relay stopped")
	return nil
}

// shutdown stops accepting connections first, then closes the devices that
// are still connected.
func shutdown(logger zerolog.Logger, httpServer *http.Server, hub *server.Hub) error {
	logger.Info().Msg("shutdown signal received")
	serverErr := server.ShutdownServer(httpServer, shutdownTimeout)
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		return errors.Wrap(err, "hub shutdown")
	}
	return errors.Wrap(serverErr, "http shutdown")
}
