package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("COLLAB_MAX_DECODE_FAILURES", "")
	t.Setenv("COLLAB_IDLE_TIMEOUT_SECONDS", "")
	t.Setenv("COLLAB_PING_INTERVAL_SECONDS", "")

	cfg := Load()
	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.Collab.MaxDecodeFailures != 8 {
		t.Fatalf("MaxDecodeFailures = %d", cfg.Collab.MaxDecodeFailures)
	}
	if cfg.Collab.IdleTimeout != 60*time.Second {
		t.Fatalf("IdleTimeout = %v, want 60s", cfg.Collab.IdleTimeout)
	}
	if cfg.Collab.PingInterval != 25*time.Second {
		t.Fatalf("PingInterval = %v, want 25s", cfg.Collab.PingInterval)
	}
	if cfg.Collab.ShutdownGrace != 5*time.Second {
		t.Fatalf("ShutdownGrace = %v", cfg.Collab.ShutdownGrace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COLLAB_FRAME_RATE", "2.5")
	t.Setenv("COLLAB_WRITE_TIMEOUT_SECONDS", "3")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("COLLAB_FRAME_BURST", "not-a-number")
	t.Setenv("COLLAB_IDLE_TIMEOUT_SECONDS", "-1")
	t.Setenv("EDUSPACE_APP_URL", "https://eduspace.example.com/")

	cfg := Load()
	if cfg.Collab.FrameRate != 2.5 {
		t.Fatalf("FrameRate = %v", cfg.Collab.FrameRate)
	}
	if cfg.Collab.WriteTimeout != 3*time.Second {
		t.Fatalf("WriteTimeout = %v", cfg.Collab.WriteTimeout)
	}
	if !cfg.S3UseSSL {
		t.Fatal("expected S3UseSSL")
	}
	if cfg.Collab.IdleTimeout >= 0 {
		t.Fatalf("IdleTimeout = %v, want negative to disable", cfg.Collab.IdleTimeout)
	}
	if cfg.Collab.FrameBurst != 100 {
		t.Fatalf("FrameBurst = %d, want fallback", cfg.Collab.FrameBurst)
	}
	if cfg.AppURL != "https://eduspace.example.com" {
		t.Fatalf("AppURL = %q, want trailing slash trimmed", cfg.AppURL)
	}
}
