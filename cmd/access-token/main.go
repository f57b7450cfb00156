// Package main mints a chat access token for one user.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/chatline/internal/platform/config"
	"github.com/louisbranch/chatline/internal/tools/accesstoken"
)

func main() {
	cfg, err := accesstoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := accesstoken.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("mint access token: %v", err)
	}
}
