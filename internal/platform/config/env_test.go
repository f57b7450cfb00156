package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port        int           `env:"CHATLINE_TEST_PORT" envDefault:"123"`
	SendTimeout time.Duration `env:"CHATLINE_TEST_SEND_TIMEOUT" envDefault:"5s"`
	Origins     []string      `env:"CHATLINE_TEST_ORIGINS" envSeparator:","`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.SendTimeout != 5*time.Second {
		t.Fatalf("expected default send timeout 5s, got %s", cfg.SendTimeout)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CHATLINE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvFromUsesProvidedEnvironment(t *testing.T) {
	t.Setenv("CHATLINE_TEST_PORT", "999")

	var cfg envTestConfig
	err := ParseEnvFrom(&cfg, map[string]string{
		"CHATLINE_TEST_PORT":    "8086",
		"CHATLINE_TEST_ORIGINS": "https://a.example,https://b.example",
	})
	if err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 8086 {
		t.Fatalf("port = %d, want 8086", cfg.Port)
	}
	if len(cfg.Origins) != 2 || cfg.Origins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.Origins)
	}
}
