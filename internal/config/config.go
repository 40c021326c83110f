package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type DaemonConfig struct {
	Name        string          `toml:"name"`
	Addr        string          `toml:"addr"`
	CorsOrigins []string        `toml:"cors_origins"`
	World       WorldConfig     `toml:"world"`
	Transport   WireConfig      `toml:"transport"`
	Broadcast   BroadcastConfig `toml:"broadcast"`
}

type WorldConfig struct {
	Width    uint32 `toml:"width"`
	Height   uint32 `toml:"height"`
	TickRate uint32 `toml:"tick_rate"`
}

type WireConfig struct {
	RequestTimeoutMS int `toml:"request_timeout_ms"`
	WriteTimeoutMS   int `toml:"write_timeout_ms"`
	PingIntervalMS   int `toml:"ping_interval_ms"`
	PongWaitMS       int `toml:"pong_wait_ms"`
}

type BroadcastConfig struct {
	EventsPerSecond uint32 `toml:"events_per_second"`
	RenderFormat    string `toml:"render_format"`
}

type PanelConfig struct {
	URL              string `toml:"url"`
	Protocol         string `toml:"protocol"`
	WantsRender      bool   `toml:"wants_render"`
	WantsEvents      bool   `toml:"wants_events"`
	RenderFormat     string `toml:"render_format"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
	ConnectAttempts  int    `toml:"connect_attempts"`
}

// DefaultDaemonConfig is the daemon shape used when no config file exists.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name: "sandbus",
		Addr: ":9400",
		World: WorldConfig{
			Width:    256,
			Height:   192,
			TickRate: 60,
		},
		Broadcast: BroadcastConfig{
			EventsPerSecond: 10,
			RenderFormat:    "rgb565",
		},
	}
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	def := DefaultDaemonConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.World.Width == 0 {
		cfg.World.Width = def.World.Width
	}
	if cfg.World.Height == 0 {
		cfg.World.Height = def.World.Height
	}
	if cfg.World.TickRate == 0 {
		cfg.World.TickRate = def.World.TickRate
	}
	if cfg.Broadcast.RenderFormat == "" {
		cfg.Broadcast.RenderFormat = def.Broadcast.RenderFormat
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func LoadPanelConfig(path string) (PanelConfig, error) {
	var cfg PanelConfig
	if err := loadToml(path, &cfg); err != nil {
		return PanelConfig{}, err
	}
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:9400/ws"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "binary"
	}
	if cfg.RenderFormat == "" {
		cfg.RenderFormat = "rgb565"
	}
	if err := ValidatePanelConfig(cfg); err != nil {
		return PanelConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("daemon config missing addr")
	}
	if cfg.World.Width == 0 || cfg.World.Height == 0 {
		return fmt.Errorf("daemon config world dimensions must be non-zero")
	}
	if cfg.World.Width > 4096 || cfg.World.Height > 4096 {
		return fmt.Errorf("daemon config world dimensions exceed 4096")
	}
	if cfg.World.TickRate == 0 || cfg.World.TickRate > 1000 {
		return fmt.Errorf("daemon config tick_rate out of range (1..1000)")
	}
	return nil
}

func ValidatePanelConfig(cfg PanelConfig) error {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return fmt.Errorf("panel config missing url")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("panel config url must use ws:// or wss://")
	}
	switch cfg.Protocol {
	case "binary", "json":
	default:
		return fmt.Errorf("panel config protocol must be binary or json, got %q", cfg.Protocol)
	}
	if cfg.WantsRender && strings.TrimSpace(cfg.RenderFormat) == "" {
		return fmt.Errorf("panel config render_format required with wants_render")
	}
	return nil
}
