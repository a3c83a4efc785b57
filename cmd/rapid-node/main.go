package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rapid/sos-relay/internal/app"
	"rapid/sos-relay/internal/config"
)

func main() {
	nodeID := flag.String("node-id", "", "Override RAPID_NODE_ID")
	nodeName := flag.String("node-name", "", "Override RAPID_NODE_NAME")
	level := flag.String("log-level", "", "Override RAPID_LOG_LEVEL (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, *nodeID, *nodeName, *level)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	logger.Info("starting rapid relay node", startupSummary(cfg)...)
	if cfg.SecurePlaintextFallback {
		logger.Warn("secure items may be written unencrypted if the data key is unavailable")
	}

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("relay node terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("relay node stopped cleanly")
}

func applyOverrides(cfg *config.Config, nodeID, nodeName, level string) {
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if nodeName != "" {
		cfg.NodeName = nodeName
	}
	if level != "" {
		cfg.LogLevel = level
	}
}

// startupSummary lists which delivery channels this node will use and the
// mesh paths it tries, in order.
func startupSummary(cfg config.Config) []any {
	var paths []string
	if cfg.MeshBrokerURL != "" {
		paths = append(paths, cfg.MeshBrokerURL)
	}
	if cfg.MeshMDNS {
		paths = append(paths, "mdns")
	}
	if cfg.HubBind != "" {
		paths = append(paths, "local-hub")
	}
	mesh := "none"
	if len(paths) > 0 {
		mesh = strings.Join(paths, ",")
	}
	return []any{
		"node_name", cfg.NodeName,
		"node_id", orUnset(cfg.NodeID),
		"http_port", cfg.HTTPPort,
		"store", cfg.StoreBackend,
		"hub", orUnset(cfg.HubBind),
		"mesh", mesh,
		"cloud", cfg.CloudAPIURL != "",
		"sms", cfg.SMSGatewayURL != "",
		"drain", cfg.DrainSchedule,
	}
}

func orUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
}

func logLevel(level string) slog.Leveler {
	lv := new(slog.LevelVar)
	switch strings.ToLower(level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	}
	return lv
}
