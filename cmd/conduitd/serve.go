package main

import (
	"context"
	"fmt"
	"os"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/config"
	"github.com/conduit-desktop/conduit/internal/cursor"
	"github.com/conduit-desktop/conduit/internal/engine"
	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/interrupt"
	"github.com/conduit-desktop/conduit/internal/logging"
	"github.com/conduit-desktop/conduit/internal/reconcile"
	"github.com/conduit-desktop/conduit/internal/runstate"
	"github.com/conduit-desktop/conduit/internal/sendqueue"
	"github.com/conduit-desktop/conduit/internal/server"
	"github.com/conduit-desktop/conduit/internal/stream"
	"github.com/conduit-desktop/conduit/internal/thinking"
)

// run wires the engine together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	log := logging.For("conduitd")
	tun := cfg.Tuning

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cursors, err := cursor.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer cursors.Close()

	// Sync delivery keeps event order: two activity events for the same
	// thread must reach a shell in the order they were published.
	bus := events.NewSubject(events.WithSyncDelivery(), events.WithLogger(logging.For("events")))
	defer events.Complete(bus)

	backend := api.New(cfg.Backend.BaseURL, cfg.Backend.Token, logging.For("api"))
	store := runstate.NewStore(nil)
	tracker := runstate.NewTracker(store, runstate.Tunables{
		PushFreshness: tun.PushFreshness.D(),
		PushMemory:    tun.PushMemory.D(),
	}, bus, logging.For("tracker"), nil)

	loop := reconcile.New(store, tracker, backend, reconcile.Tunables{
		FastInterval: tun.ReconcileFast.D(),
		IdleInterval: tun.ReconcileIdle.D(),
		SweepSpec:    "@every " + tun.SweepInterval.D().String(),
		StallCeiling: tun.StallCeiling.D(),
	}, logging.For("reconcile"), nil)

	coord := interrupt.New(store, tracker, backend, loop.Pull, bus, interrupt.Config{
		WatchdogInterval: tun.WatchdogInterval.D(),
		RetryCooldownMin: tun.RetryCooldownMin.D(),
		RetryCooldownMax: tun.RetryCooldownMax.D(),
		SingleShot:       tun.SingleShot,
	}, logging.For("interrupt"))

	gate := thinking.NewGate(thinking.Tunables{
		Promotion: tun.PromotionDelay.D(),
		Heal:      tun.HealDelay.D(),
	}, loop.Resync, nil, logging.For("thinking"))

	queue := sendqueue.New(bus, nil)

	eng := engine.New(store, tracker, coord, gate, queue, loop, backend, nil, bus, engine.Options{
		SteeringEnabled: cfg.Steering.Enabled,
		BannerTTL:       tun.BannerTTL.D(),
	}, logging.For("engine"))
	defer eng.Close()

	// The push channel is optional: with no stream URL the engine leans on
	// pulls alone.
	if cfg.Backend.StreamURL != "" {
		ch, err := stream.Connect(ctx, cfg.Backend.StreamURL, cfg.Backend.Token, stream.Handlers{
			OnNotification: eng.HandleNotification,
			OnSnapshot:     eng.HandleSnapshot,
			OnDisconnected: func() {
				log.Warn("push channel down, relying on pulls")
			},
		}, cursors, logging.For("stream"))
		if err != nil {
			log.Warn("push channel unavailable at startup", "error", err)
		} else {
			defer ch.Close()
			eng.SetSubscriber(ch)
		}
	}

	// Hot-reload: log level and the steering switch apply without restart.
	go func() {
		err := config.Watch(ctx, configPath, logging.For("config"), func(next config.Config) {
			logging.SetLevel(next.Server.LogLevel)
			eng.SetSteering(next.Steering.Enabled)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", "error", err)
		}
	}()

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reconcile loop stopped", "error", err)
		}
	}()

	return server.Run(ctx, cfg.Server.Port, server.Deps{
		Engine:  eng,
		Store:   store,
		Tracker: tracker,
		Coord:   coord,
		Gate:    gate,
		Queue:   queue,
		Bus:     bus,
		Log:     logging.For("server"),
	})
}
