package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/config"
	"github.com/quillan/sandbus/internal/logging"
	"github.com/quillan/sandbus/internal/simctl"
	"github.com/quillan/sandbus/internal/transport"
)

const defaultConfigPath = "cmd/panelctl/panel.toml"

func main() {
	logging.ConfigureRuntime("panelctl")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "panelctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("panelctl", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "panel config path")
	url := fs.String("url", "", "daemon websocket url override")
	doPing := fs.Bool("ping", false, "send a ping and print the round trip")
	doStatus := fs.Bool("status", false, "print the simulation status")
	setCell := fs.String("set", "", "place a cell: x,y,material")
	resize := fs.String("resize", "", "resize the world: WIDTHxHEIGHT")
	pause := fs.Bool("pause", false, "pause the simulation")
	resume := fs.Bool("resume", false, "resume the simulation")
	watch := fs.Duration("watch", 0, "subscribe to pushes for the given duration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *watch > 0 {
		cfg.WantsEvents = true
	}

	svc := transport.NewService(cfg.TransportConfig(), nil)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Connect(ctx, cfg.URL, transport.ConnectOptions{Hello: cfg.Hello()}); err != nil {
		return err
	}
	log.Info().Str("url", cfg.URL).Str("protocol", cfg.Protocol).Msg("connected")

	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	if *doPing {
		if err := ping(svc, timeout); err != nil {
			return err
		}
	}
	if *setCell != "" {
		if err := placeCell(svc, *setCell, timeout); err != nil {
			return err
		}
	}
	if *resize != "" {
		if err := resizeWorld(svc, *resize, timeout); err != nil {
			return err
		}
	}
	if *pause || *resume {
		if err := setPaused(svc, *pause, timeout); err != nil {
			return err
		}
	}
	if *doStatus {
		if err := printStatus(svc, timeout); err != nil {
			return err
		}
	}
	if *watch > 0 {
		watchPushes(svc, *watch)
	}
	return nil
}

func loadConfig(path string) (config.PanelConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.PanelConfig{
			URL:      "ws://localhost:9400/ws",
			Protocol: "binary",
		}, nil
	}
	var cfg config.PanelConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config.PanelConfig{}, fmt.Errorf("panel config load failed (%s): %w", path, err)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "binary"
	}
	if err := config.ValidatePanelConfig(cfg); err != nil {
		return config.PanelConfig{}, err
	}
	return cfg, nil
}

func ping(svc *transport.Service, timeout time.Duration) error {
	start := time.Now()
	var pong simctl.Pong
	if err := svc.SendCommandAndGetResponse(&simctl.Ping{Value: 1}, &pong, timeout); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	fmt.Printf("pong value=%d rtt=%s\n", pong.Value, time.Since(start).Round(time.Microsecond))
	return nil
}

func placeCell(svc *transport.Service, spec string, timeout time.Duration) error {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 {
		return fmt.Errorf("bad -set value %q, want x,y,material", spec)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return fmt.Errorf("bad x in -set: %w", err)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return fmt.Errorf("bad y in -set: %w", err)
	}
	cmd := simctl.CellSet{X: uint32(x), Y: uint32(y), Material: strings.TrimSpace(parts[2])}
	var resp simctl.CellSetResponse
	if err := svc.SendCommandAndGetResponse(&cmd, &resp, timeout); err != nil {
		return fmt.Errorf("cell_set failed: %w", err)
	}
	fmt.Printf("cell (%d, %d) = %s\n", cmd.X, cmd.Y, cmd.Material)
	return nil
}

func resizeWorld(svc *transport.Service, spec string, timeout time.Duration) error {
	parts := strings.Split(strings.ToLower(spec), "x")
	if len(parts) != 2 {
		return fmt.Errorf("bad -resize value %q, want WIDTHxHEIGHT", spec)
	}
	w, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return fmt.Errorf("bad width in -resize: %w", err)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return fmt.Errorf("bad height in -resize: %w", err)
	}
	var resp simctl.WorldResizeResponse
	cmd := simctl.WorldResize{Width: uint32(w), Height: uint32(h)}
	if err := svc.SendCommandAndGetResponse(&cmd, &resp, timeout); err != nil {
		return fmt.Errorf("world_resize failed: %w", err)
	}
	fmt.Printf("world resized to %dx%d\n", resp.Width, resp.Height)
	return nil
}

func setPaused(svc *transport.Service, paused bool, timeout time.Duration) error {
	// Zero tick rate keeps the daemon's current one.
	cmd := simctl.PhysicsSettingsSet{GravityMilli: 9810, Paused: paused}
	var resp simctl.PhysicsSettingsSetResponse
	if err := svc.SendCommandAndGetResponse(&cmd, &resp, timeout); err != nil {
		return fmt.Errorf("physics_settings_set failed: %w", err)
	}
	if paused {
		fmt.Println("simulation paused")
	} else {
		fmt.Println("simulation resumed")
	}
	return nil
}

func printStatus(svc *transport.Service, timeout time.Duration) error {
	var status simctl.SimStatusResponse
	if err := svc.SendCommandAndGetResponse(&simctl.SimStatus{}, &status, timeout); err != nil {
		return fmt.Errorf("sim_status failed: %w", err)
	}
	fmt.Printf("running=%v tick=%d world=%dx%d\n", status.Running, status.Tick, status.Width, status.Height)
	return nil
}

func watchPushes(svc *transport.Service, d time.Duration) {
	svc.SetPushHandler(func(msgType string, payload []byte) {
		switch msgType {
		case transport.EventPushType:
			var status simctl.SimStatusResponse
			if err := status.UnmarshalPayload(payload); err == nil {
				fmt.Printf("event: running=%v tick=%d\n", status.Running, status.Tick)
				return
			}
			fmt.Printf("event: %d bytes\n", len(payload))
		case transport.RenderPushType:
			fmt.Printf("render frame: %d bytes\n", len(payload))
		default:
			fmt.Printf("push %s: %d bytes\n", msgType, len(payload))
		}
	})
	fmt.Printf("watching pushes for %s\n", d)
	time.Sleep(d)
}
