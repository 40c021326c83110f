package transport

import (
	"testing"
	"time"

	"github.com/quillan/sandbus/internal/testutil/testlog"
)

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	def := DefaultConfig()
	if cfg.ProtocolVersion != def.ProtocolVersion {
		t.Fatalf("ProtocolVersion = %d, want %d", cfg.ProtocolVersion, def.ProtocolVersion)
	}
	if cfg.RequestTimeout != def.RequestTimeout {
		t.Fatalf("RequestTimeout = %v, want %v", cfg.RequestTimeout, def.RequestTimeout)
	}
	if cfg.Limits != def.Limits {
		t.Fatalf("Limits = %+v, want %+v", cfg.Limits, def.Limits)
	}
	if cfg.ClientMode != ModeBinary {
		t.Fatalf("ClientMode = %v, want binary", cfg.ClientMode)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	testlog.Start(t)
	in := Config{RequestTimeout: 100 * time.Millisecond, ClientMode: ModeJSON}
	cfg := in.WithDefaults()
	if cfg.RequestTimeout != in.RequestTimeout {
		t.Fatalf("RequestTimeout = %v, want %v", cfg.RequestTimeout, in.RequestTimeout)
	}
	if cfg.ClientMode != ModeJSON {
		t.Fatalf("ClientMode = %v, want json", cfg.ClientMode)
	}
}

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     500 * time.Millisecond,
	}

	if d := NextBackoffDelay(cfg, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 100ms", d)
	}
	if d := NextBackoffDelay(cfg, 2, nil); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v, want 200ms", d)
	}
	if d := NextBackoffDelay(cfg, 3, nil); d != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %v, want 400ms", d)
	}
	if d := NextBackoffDelay(cfg, 10, nil); d != 500*time.Millisecond {
		t.Fatalf("attempt 10 delay = %v, want cap 500ms", d)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	// Nil rng pins the jitter factor at 0.5.
	if d := NextBackoffDelay(cfg, 2, nil); d != 100*time.Millisecond {
		t.Fatalf("jittered attempt 2 delay = %v, want 100ms", d)
	}
}

func TestModeString(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		mode Mode
		want string
	}{
		{ModeUnset, "unset"},
		{ModeBinary, "binary"},
		{ModeJSON, "json"},
	}
	for _, tc := range cases {
		if got := tc.mode.String(); got != tc.want {
			t.Fatalf("Mode(%d).String() = %q, want %q", tc.mode, got, tc.want)
		}
	}
}
