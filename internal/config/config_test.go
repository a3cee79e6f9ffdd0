package config

import (
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: defaults and overrides
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":3001" || cfg.Server.SocketPath != "/socket.io/" {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Server.PingInterval != 25*time.Second || cfg.Server.PingTimeout != 20*time.Second {
		t.Errorf("unexpected heartbeat defaults %+v", cfg.Server)
	}
	if cfg.Bus.Driver != "local" || cfg.Distributed() {
		t.Errorf("expected local bus by default, got %q", cfg.Bus.Driver)
	}
	if cfg.Typing.Timeout != time.Second || cfg.Typing.Interval != time.Second {
		t.Errorf("unexpected typing defaults %+v", cfg.Typing)
	}
	if cfg.Auth.Cookie != "session-token" {
		t.Errorf("unexpected cookie %q", cfg.Auth.Cookie)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":4000")
	t.Setenv("READ_TIMEOUT", "3s")
	t.Setenv("MAX_PAYLOAD", "2048")
	t.Setenv("BUS_DRIVER", "nats")
	t.Setenv("PRESENCE_DRIVER", "redis")
	t.Setenv("TYPING_DRIVER", "redis")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("NATS_EMBEDDED", "true")
	t.Setenv("TYPING_TIMEOUT", "1500ms")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":4000" || cfg.Server.ReadTimeout != 3*time.Second || cfg.Server.MaxPayload != 2048 {
		t.Errorf("server overrides not applied: %+v", cfg.Server)
	}
	if !cfg.Distributed() || cfg.NATS.URL != "nats://nats:4222" || !cfg.NATS.Embedded {
		t.Errorf("nats overrides not applied: %+v %+v", cfg.Bus, cfg.NATS)
	}
	if cfg.Typing.Timeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s typing timeout, got %s", cfg.Typing.Timeout)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("expected redis db 2, got %d", cfg.Redis.DB)
	}
}

// ---------------------------------------------------------------------------
// Test: validation
// ---------------------------------------------------------------------------

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "kafka" }, "Driver"},
		{"redis driver without address", func(c *Config) {
			c.Bus.TypingDriver = "redis"
			c.Redis.Addr = ""
		}, "REDIS_ADDR"},
		{"nats driver without url", func(c *Config) {
			c.Bus.Driver = "nats"
			c.Bus.PresenceDriver = "redis"
			c.NATS.URL = ""
		}, "NATS_URL"},
		{"distributed bus with local presence", func(c *Config) { c.Bus.Driver = "redis" }, "PRESENCE_DRIVER"},
		{"distributed bus with memory typing", func(c *Config) {
			c.Bus.Driver = "nats"
			c.Bus.PresenceDriver = "redis"
		}, "TYPING_DRIVER"},
		{"production without secret", func(c *Config) { c.Server.Environment = "production" }, "AUTH_SECRET"},
		{"zero ping interval", func(c *Config) { c.Server.PingInterval = 0 }, "PingInterval"},
		{"relative socket path", func(c *Config) { c.Server.SocketPath = "socket.io" }, "SocketPath"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_EmbeddedNATSNeedsNoURL(t *testing.T) {
	cfg := Default()
	cfg.Bus.Driver = "nats"
	cfg.Bus.PresenceDriver = "redis"
	cfg.Bus.TypingDriver = "redis"
	cfg.NATS.URL = ""
	cfg.NATS.Embedded = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected embedded nats to be valid, got %v", err)
	}
}

func TestLoad_InvalidEnvironmentFails(t *testing.T) {
	t.Setenv("BUS_DRIVER", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Error("expected load to fail validation")
	}
}
