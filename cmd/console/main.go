package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"staydesk.handoff/internal/console"
	"staydesk.handoff/internal/core/logger"
)

func main() {
	logger.Init(slog.LevelInfo, "text")

	serverURL := os.Getenv("STAYDESK_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		log.Fatal("AGENT_ID environment variable is required")
	}

	interval := 30 * time.Second
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	autoAccept, _ := strconv.ParseBool(os.Getenv("AUTO_ACCEPT"))

	c, err := console.New(console.Config{
		ServerURL:  serverURL,
		AgentID:    agentID,
		PropertyID: os.Getenv("PROPERTY_ID"),
		Interval:   interval,
		AutoAccept: autoAccept,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to initialize console: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if load, err := c.Workload(ctx); err == nil {
		logger.Info("Workload", "agent_id", agentID, "active", load.Active, "capacity", load.Capacity)
	}

	if err := c.Run(ctx); err != nil {
		log.Fatalf("Console error: %v", err)
	}
}
