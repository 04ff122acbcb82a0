package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"MESHTALK_HOME", "MESHTALK_LISTEN_ADDR", "MESHTALK_DISCOVERY_INTERVAL",
		"MESHTALK_RECONNECT_ATTEMPTS", "MESHTALK_DEBUG",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.ListenAddr != "0.0.0.0:0" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.DiscoveryInterval != 5*time.Second {
		t.Fatalf("discovery interval = %v", cfg.DiscoveryInterval)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.HeartbeatInterval)
	}
	if cfg.StaleAfter != 30*time.Second {
		t.Fatalf("stale after = %v", cfg.StaleAfter)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Fatalf("reconnect attempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectBackoff != 2*time.Second {
		t.Fatalf("reconnect backoff = %v", cfg.ReconnectBackoff)
	}
	if cfg.Debug {
		t.Fatal("debug should default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESHTALK_HOME", "/tmp/mesh-test")
	t.Setenv("MESHTALK_DISCOVERY_INTERVAL", "2")
	t.Setenv("MESHTALK_CHUNK_ACK_TIMEOUT", "500ms")
	t.Setenv("MESHTALK_RECONNECT_ATTEMPTS", "5")
	t.Setenv("MESHTALK_DEBUG", "1")

	cfg := Load()
	if cfg.Home != "/tmp/mesh-test" {
		t.Fatalf("home = %q", cfg.Home)
	}
	if cfg.StorePath() != "/tmp/mesh-test/meshtalk.db" {
		t.Fatalf("store path = %q", cfg.StorePath())
	}
	if cfg.DiscoveryInterval != 2*time.Second {
		t.Fatalf("discovery interval = %v", cfg.DiscoveryInterval)
	}
	if cfg.ChunkAckTimeout != 500*time.Millisecond {
		t.Fatalf("chunk ack timeout = %v", cfg.ChunkAckTimeout)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Fatalf("reconnect attempts = %d", cfg.ReconnectAttempts)
	}
	if !cfg.Debug {
		t.Fatal("debug should be on")
	}
}

func TestGetEnvDurationRejectsNegative(t *testing.T) {
	t.Setenv("MESHTALK_STALE_AFTER", "-10s")
	cfg := Load()
	if cfg.StaleAfter != 30*time.Second {
		t.Fatalf("negative duration should fall back, got %v", cfg.StaleAfter)
	}
}
