package main

import (
	"context"
	"flag"
	"log"

	"candy-panel/internal/agent"
	agentconfig "candy-panel/internal/agent/config"
	"candy-panel/logger"
)

func main() {
	configPath := flag.String("config", "/etc/candy-agent/config.yaml", "Path to agent configuration file")
	flag.Parse()

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("agent stopped with error: %v", err)
	}
}
