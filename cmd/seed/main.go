// Package main seeds the local chat database with demo users and
// conversations.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	"github.com/louisbranch/chatline/internal/platform/config"
	"github.com/louisbranch/chatline/internal/tools/seed"
)

func main() {
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceSeed))
	cfg, err := seed.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := entrypoint.SignalContext(context.Background())
	defer stop()

	if err := entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		return seed.Run(ctx, cfg, os.Stdout)
	}); err != nil {
		stop()
		config.Exitf("seed: %v", err)
	}
}
