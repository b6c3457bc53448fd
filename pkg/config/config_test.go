package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SerialPort != "/dev/econext" || c.SerialBaud != 115200 {
		t.Fatalf("unexpected serial defaults: %+v", c)
	}
	if c.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval default: %v", c.PollInterval)
	}
	if !c.TokenRequired {
		t.Fatalf("expected TOKEN_REQUIRED to default true")
	}
	if c.DestinationAddress != 1 {
		t.Fatalf("unexpected destination address default: %d", c.DestinationAddress)
	}
	if c.ParamsPerRequest != 100 {
		t.Fatalf("unexpected params-per-request default: %d", c.ParamsPerRequest)
	}
	if c.RedisAddr != "" {
		t.Fatalf("expected Redis disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERIAL_BAUD", "9600")
	t.Setenv("TOKEN_REQUIRED", "false")
	t.Setenv("REQUEST_TIMEOUT", "2.5")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SerialBaud != 9600 {
		t.Fatalf("expected overridden baud, got %d", c.SerialBaud)
	}
	if c.TokenRequired {
		t.Fatalf("expected TOKEN_REQUIRED overridden to false")
	}
	if c.RequestTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected request timeout: %v", c.RequestTimeout)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Fatalf("expected Redis enabled")
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("SERIAL_BAUD", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed SERIAL_BAUD")
	}
}
