package main

import (
	"context"
	"flag"
	"log"

	"github.com/calyptra/hubble/pkg/config"
	"github.com/calyptra/hubble/pkg/hub"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file (HUBBLE_CONFIG_FILE also works)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	h, err := hub.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build hub: %v", err)
	}

	if err := h.Run(ctx); err != nil {
		log.Fatalf("Hub exited: %v", err)
	}
}
