// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	server "github.com/louisbranch/chatline/internal/services/chat/app"
	"github.com/louisbranch/chatline/internal/services/chat/gate"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr        string        `env:"CHATLINE_HTTP_ADDR"         envDefault:":8086"`
	DBPath          string        `env:"CHATLINE_DB_PATH"           envDefault:"data/chatline.db"`
	TokenSigningKey string        `env:"CHATLINE_TOKEN_SIGNING_KEY"`
	TokenIssuer     string        `env:"CHATLINE_TOKEN_ISSUER"      envDefault:"chatline"`
	SendTimeout     time.Duration `env:"CHATLINE_SEND_TIMEOUT"      envDefault:"5s"`
	MaxConnections  int           `env:"CHATLINE_MAX_CONNECTIONS"   envDefault:"4096"`
	AllowedOrigins  []string      `env:"CHATLINE_ALLOWED_ORIGINS"   envSeparator:","`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.TokenSigningKey, "token-signing-key", cfg.TokenSigningKey, "hex encoded HMAC key for access tokens")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected access token issuer")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "per-connection send timeout")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum simultaneous TCP connections (0 for no limit)")
	fs.Func("allowed-origins", "comma separated websocket origins (* for any)", func(value string) error {
		cfg.AllowedOrigins = splitList(value)
		return nil
	})
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	signingKey, err := gate.DecodeSigningKey(cfg.TokenSigningKey)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			DBPath:          cfg.DBPath,
			TokenSigningKey: signingKey,
			TokenIssuer:     cfg.TokenIssuer,
			SendTimeout:     cfg.SendTimeout,
			MaxConnections:  cfg.MaxConnections,
			AllowedOrigins:  cfg.AllowedOrigins,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
