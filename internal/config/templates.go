package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "panel":
		return panelTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "sandbus"
addr = ":9400"
cors_origins = ["http://localhost:3000"]

[world]
width = 256
height = 192
tick_rate = 60

[transport]
request_timeout_ms = 2000
write_timeout_ms = 15000
ping_interval_ms = 5000
pong_wait_ms = 15000

[broadcast]
events_per_second = 10
render_format = "rgb565"
`

const panelTemplate = `url = "ws://localhost:9400/ws"
protocol = "binary"
wants_render = true
wants_events = true
render_format = "rgb565"
connect_timeout_ms = 5000
request_timeout_ms = 2000
connect_attempts = 5
`
