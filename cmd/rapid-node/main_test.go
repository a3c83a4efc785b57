package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"rapid/sos-relay/internal/config"
)

func summaryMap(cfg config.Config) map[string]any {
	kv := startupSummary(cfg)
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func TestStartupSummary(t *testing.T) {
	cfg := config.Config{NodeName: "kit", StoreBackend: "sqlite", MeshMDNS: true, SMSGatewayURL: "http://sms"}
	got := summaryMap(cfg)
	assert.Equal(t, "unset", got["node_id"])
	assert.Equal(t, "unset", got["hub"])
	assert.Equal(t, "mdns", got["mesh"])
	assert.Equal(t, false, got["cloud"])
	assert.Equal(t, true, got["sms"])

	cfg.MeshMDNS = false
	assert.Equal(t, "none", summaryMap(cfg)["mesh"])

	cfg.MeshMDNS = true
	cfg.MeshBrokerURL = "tcp://10.0.0.2:1883"
	cfg.HubBind = ":1883"
	assert.Equal(t, "tcp://10.0.0.2:1883,mdns,local-hub", summaryMap(cfg)["mesh"])
	assert.Equal(t, ":1883", summaryMap(cfg)["hub"])
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Config{NodeID: "env-id", NodeName: "env-name", LogLevel: "info"}
	applyOverrides(&cfg, "", "field-kit", "DEBUG")
	assert.Equal(t, "env-id", cfg.NodeID)
	assert.Equal(t, "field-kit", cfg.NodeName)
	assert.Equal(t, slog.LevelDebug, logLevel(cfg.LogLevel).Level())
	assert.Equal(t, slog.LevelInfo, logLevel("verbose").Level())
}
