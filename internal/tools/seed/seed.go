// Package seed populates a local chat database with users, conversations and
// opening messages from a declarative manifest.
package seed

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite"
)

// Config holds seed command settings.
type Config struct {
	DBPath       string `env:"CHATLINE_DB_PATH" envDefault:"data/chatline.db"`
	ManifestPath string
	Verbose      bool
}

// ParseConfig reads env defaults and then flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.ManifestPath, "manifest", cfg.ManifestPath, "JSON manifest path (default: built-in fixture)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "verbose output")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the database at cfg.DBPath, applies the manifest and writes a
// summary to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	manifest := DefaultManifest()
	if strings.TrimSpace(cfg.ManifestPath) != "" {
		loaded, err := LoadManifest(cfg.ManifestPath)
		if err != nil {
			return err
		}
		manifest = loaded
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer store.Close()

	summary, err := NewRunner(store, cfg.Verbose).RunManifest(ctx, manifest)
	if err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "seeded %q: %d users (%d existing), %d conversations (%d existing), %d messages\n",
			manifest.Name,
			summary.UsersCreated, summary.UsersSkipped,
			summary.ConversationsCreated, summary.ConversationsSkipped,
			summary.MessagesCreated,
		)
	}
	return nil
}
