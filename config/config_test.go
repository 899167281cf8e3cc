package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := LoadConfig()
	if cfg.RendezvousAddr != ":6090" {
		t.Errorf("RendezvousAddr = %q, want :6090", cfg.RendezvousAddr)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.QueueSize != 10 {
		t.Errorf("QueueSize = %d, want 10", cfg.QueueSize)
	}
	if cfg.WorkerImage != "ignition" {
		t.Errorf("WorkerImage = %q, want ignition", cfg.WorkerImage)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QUEUESIZE", "3")
	t.Setenv("CONNECTTIMEOUT", "250ms")
	t.Setenv("HANDSHAKETIMEOUT", "7")
	t.Setenv("WORKERIMAGE", "ignition:test")

	cfg := LoadConfig()
	if cfg.QueueSize != 3 {
		t.Errorf("QueueSize = %d, want 3", cfg.QueueSize)
	}
	if cfg.ConnectTimeout != 250*time.Millisecond {
		t.Errorf("ConnectTimeout = %v, want 250ms", cfg.ConnectTimeout)
	}
	if cfg.HandshakeTimeout != 7*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 7s", cfg.HandshakeTimeout)
	}
	if cfg.WorkerImage != "ignition:test" {
		t.Errorf("WorkerImage = %q", cfg.WorkerImage)
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("IGNITION_TEST_INT", "many")
	if got := getEnvInt("IGNITION_TEST_INT", 4); got != 4 {
		t.Errorf("got %d, want fallback 4", got)
	}
}

func TestLoadWorkerConfig(t *testing.T) {
	t.Setenv("IGNITION_ADDR", "10.0.0.1:6090")
	t.Setenv("IGNITION_TOKEN", "abc")
	t.Setenv("IGNITION_TIMEOUT", "45s")

	cfg := LoadWorkerConfig()
	if cfg.Addr != "10.0.0.1:6090" || cfg.Token != "abc" || cfg.Timeout != 45*time.Second {
		t.Errorf("unexpected worker config: %+v", cfg)
	}
}
