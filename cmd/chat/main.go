// Package main starts the chat real-time service and handles termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	chatcmd "github.com/louisbranch/chatline/internal/cmd/chat"
	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	"github.com/louisbranch/chatline/internal/platform/config"
)

func main() {
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceChat))
	cfg, err := chatcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := entrypoint.SignalContext(context.Background())
	defer stop()

	if err := chatcmd.Run(ctx, cfg); err != nil {
		log.Printf("failed to serve: %v", err)
		stop()
		os.Exit(1)
	}
}
