// Package accesstoken mints chat access tokens for local development.
package accesstoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	"github.com/louisbranch/chatline/internal/services/chat/gate"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// Config holds access token minting settings.
type Config struct {
	SigningKey string `env:"CHATLINE_TOKEN_SIGNING_KEY"`
	Issuer     string `env:"CHATLINE_TOKEN_ISSUER" envDefault:"chatline"`
	UserID     string
	Username   string
	TTL        time.Duration
}

// ParseConfig reads env defaults and then flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{TTL: 24 * time.Hour}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.SigningKey, "signing-key", cfg.SigningKey, "hex encoded HMAC signing key")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "token issuer")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "user id placed in the token subject")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "optional username claim")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run signs one token for cfg.UserID and writes it to out.
func Run(cfg Config, out io.Writer, now func() time.Time) error {
	if out == nil {
		return errors.New("output is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("user is required")
	}
	key, err := gate.DecodeSigningKey(cfg.SigningKey)
	if err != nil {
		return err
	}
	token, err := gate.Config{SigningKey: key, Issuer: cfg.Issuer, Now: now}.Issue(storage.User{
		ID:       cfg.UserID,
		Username: cfg.Username,
	}, cfg.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
