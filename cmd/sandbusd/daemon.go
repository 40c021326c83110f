package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/config"
	"github.com/quillan/sandbus/internal/simctl"
	"github.com/quillan/sandbus/internal/transport"
)

const defaultConfigPath = "cmd/sandbusd/config.toml"

func run(args []string) error {
	fs := flag.NewFlagSet("sandbusd", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "daemon config path")
	addr := fs.String("addr", "", "listen address override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	engine, err := simctl.NewEngine(cfg.World.Width, cfg.World.Height)
	if err != nil {
		return err
	}
	engine.ApplySettings(9810, false, cfg.World.TickRate)
	handlers := simctl.NewHandlers(engine)

	svc := transport.NewService(cfg.TransportConfig(), nil)
	if err := handlers.Register(svc.Handlers()); err != nil {
		return err
	}
	svc.SetJSONPipeline(handlers.DecodeCommand, handlers.Dispatch)

	if err := svc.Listen(cfg.Addr); err != nil {
		return err
	}
	log.Info().
		Str("name", cfg.Name).
		Str("addr", svc.Addr()).
		Uint32("width", cfg.World.Width).
		Uint32("height", cfg.World.Height).
		Msg("daemon up")

	stop := make(chan struct{})
	go stepLoop(engine, cfg.World.TickRate, stop)
	go broadcastLoop(svc, engine, cfg.Broadcast, stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")
	close(stop)
	return svc.Close()
}

func loadConfig(path string) (config.DaemonConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		log.Info().Str("path", path).Msg("no config file, using defaults")
		return config.DefaultDaemonConfig(), nil
	}
	return config.LoadDaemonConfig(path)
}

// stepLoop drives the simulation at the configured tick rate.
func stepLoop(engine *simctl.Engine, tickRate uint32, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			engine.Step()
		}
	}
}

// broadcastLoop pushes status events and render frames to subscribed
// connections. Frames are only rasterized while a UI connection is attached.
func broadcastLoop(svc *transport.Service, engine *simctl.Engine, cfg config.BroadcastConfig, stop <-chan struct{}) {
	rate := cfg.EventsPerSecond
	if rate == 0 {
		rate = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if svc.UIConnectionID() == "" {
				continue
			}
			status := engine.Status()
			if payload, err := status.MarshalPayload(); err == nil {
				svc.BroadcastBinary(payload)
			}
			svc.BroadcastRenderMessage(cfg.RenderFormat, engine.RenderRGB565())
		}
	}
}
