package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Engine.PollInterval != 5*time.Second || c.Engine.CheckpointInterval != 30*time.Second {
		t.Errorf("intervals %v / %v", c.Engine.PollInterval, c.Engine.CheckpointInterval)
	}
	if c.Engine.MaxConsecutiveFailures != 5 || c.Engine.BreakerCooldown != time.Minute || c.Engine.FatalMultiplier != 2 {
		t.Errorf("breaker defaults %+v", c.Engine)
	}
	if c.Engine.VirtualPositionFrac != 0.01 || c.Engine.CacheSize != 500 {
		t.Errorf("engine defaults %+v", c.Engine)
	}
	if c.Stream.MaxReconnectAttempts != 10 || c.Stream.BaseDelay != 5*time.Second || c.Stream.MaxDelayMultiplier != 5 {
		t.Errorf("stream defaults %+v", c.Stream)
	}
}

func TestDecodeOverridesDefaults(t *testing.T) {
	c := Default()
	yml := "engine:\n  poll_interval: 2s\n  workers: 8\ndb:\n  driver: postgres\n"
	if err := Decode(strings.NewReader(yml), &c); err != nil {
		t.Fatal(err)
	}
	if c.Engine.PollInterval != 2*time.Second || c.Engine.Workers != 8 {
		t.Errorf("engine %+v", c.Engine)
	}
	if c.Engine.CheckpointInterval != 30*time.Second {
		t.Error("fields absent in yaml keep defaults")
	}
	if c.DB.Driver != "postgres" {
		t.Errorf("driver %q", c.DB.Driver)
	}
}

func TestLoadMissingFileAndEnv(t *testing.T) {
	t.Setenv(okxAPIKeyENV, "key")
	t.Setenv(redisAddrENV, "redis:6379")

	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file is not fatal: %v", err)
	}
	if c.OKX.APIKey != "key" {
		t.Error("env api key not applied")
	}
	if !c.Redis.Enabled || c.Redis.Addr != "redis:6379" {
		t.Errorf("redis %+v", c.Redis)
	}
}

func TestLoadBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("engine: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("broken yaml must fail")
	}
}
