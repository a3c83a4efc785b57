package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for a relay node.
type Config struct {
	HTTPPort int
	LogLevel string

	NodeID   string
	NodeName string

	StoreBackend            string
	DatabasePath            string
	BadgerDir               string
	SecurePlaintextFallback bool

	HubBind      string
	HubAdvertise bool

	MeshBrokerURL        string
	MeshMDNS             bool
	MeshPresenceInterval time.Duration
	MeshRetryLimit       int
	MeshSeenSize         int
	MeshRelayRate        float64

	CloudAPIURL   string
	CloudAPIToken string

	SMSGatewayURL string
	SMSAPIKey     string
	SMSUserID     string
	SMSPassword   string
	SMSSenderID   string

	ProbeURL      string
	ProbeInterval time.Duration
	DrainSchedule string

	LocationLat     *float64
	LocationLon     *float64
	LocationTimeout time.Duration
}

const (
	defaultHTTPPort             = 8080
	defaultLogLevel             = "info"
	defaultStoreBackend         = "sqlite"
	defaultDatabasePath         = "data/rapid.db"
	defaultBadgerDir            = "data/badger"
	defaultMeshPresenceInterval = 5 * time.Second
	defaultMeshRetryLimit       = 256
	defaultMeshSeenSize         = 1024
	defaultMeshRelayRate        = 20
	defaultProbeInterval        = 15 * time.Second
	defaultDrainSchedule        = "@every 1m"
	defaultLocationTimeout      = 5 * time.Second
)

// Load derives configuration values from environment variables, falling back to defaults.
// A .env file in the working directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "rapid-node"
	}

	cfg := Config{
		HTTPPort:             defaultHTTPPort,
		LogLevel:             defaultLogLevel,
		NodeName:             hostname,
		StoreBackend:         defaultStoreBackend,
		DatabasePath:         defaultDatabasePath,
		BadgerDir:            defaultBadgerDir,
		MeshMDNS:             true,
		MeshPresenceInterval: defaultMeshPresenceInterval,
		MeshRetryLimit:       defaultMeshRetryLimit,
		MeshSeenSize:         defaultMeshSeenSize,
		MeshRelayRate:        defaultMeshRelayRate,
		ProbeInterval:        defaultProbeInterval,
		DrainSchedule:        defaultDrainSchedule,
		LocationTimeout:      defaultLocationTimeout,
	}

	var err error

	if cfg.HTTPPort, err = intEnv("RAPID_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	cfg.LogLevel = stringEnv("RAPID_LOG_LEVEL", cfg.LogLevel)
	cfg.NodeID = stringEnv("RAPID_NODE_ID", cfg.NodeID)
	cfg.NodeName = stringEnv("RAPID_NODE_NAME", cfg.NodeName)

	cfg.StoreBackend = strings.ToLower(stringEnv("RAPID_STORE_BACKEND", cfg.StoreBackend))
	if cfg.StoreBackend != "sqlite" && cfg.StoreBackend != "badger" {
		return Config{}, fmt.Errorf("invalid RAPID_STORE_BACKEND %q", cfg.StoreBackend)
	}
	cfg.DatabasePath = stringEnv("RAPID_DATABASE_PATH", cfg.DatabasePath)
	cfg.BadgerDir = stringEnv("RAPID_BADGER_DIR", cfg.BadgerDir)
	if cfg.SecurePlaintextFallback, err = boolEnv("RAPID_SECURE_PLAINTEXT_FALLBACK", false); err != nil {
		return Config{}, err
	}

	cfg.HubBind = stringEnv("RAPID_HUB_BIND", cfg.HubBind)
	if cfg.HubAdvertise, err = boolEnv("RAPID_HUB_ADVERTISE", cfg.HubBind != ""); err != nil {
		return Config{}, err
	}

	cfg.MeshBrokerURL = stringEnv("RAPID_MESH_BROKER_URL", cfg.MeshBrokerURL)
	if cfg.MeshMDNS, err = boolEnv("RAPID_MESH_MDNS", cfg.MeshMDNS); err != nil {
		return Config{}, err
	}
	if cfg.MeshPresenceInterval, err = durationEnv("RAPID_MESH_PRESENCE_INTERVAL", cfg.MeshPresenceInterval); err != nil {
		return Config{}, err
	}
	if cfg.MeshRetryLimit, err = intEnv("RAPID_MESH_RETRY_LIMIT", cfg.MeshRetryLimit); err != nil {
		return Config{}, err
	}
	if cfg.MeshSeenSize, err = intEnv("RAPID_MESH_SEEN_SIZE", cfg.MeshSeenSize); err != nil {
		return Config{}, err
	}
	if cfg.MeshRelayRate, err = floatEnv("RAPID_MESH_RELAY_RATE", cfg.MeshRelayRate); err != nil {
		return Config{}, err
	}

	cfg.CloudAPIURL = stringEnv("RAPID_CLOUD_API_URL", cfg.CloudAPIURL)
	cfg.CloudAPIToken = stringEnv("RAPID_CLOUD_API_TOKEN", cfg.CloudAPIToken)

	cfg.SMSGatewayURL = stringEnv("RAPID_SMS_GATEWAY_URL", cfg.SMSGatewayURL)
	cfg.SMSAPIKey = stringEnv("RAPID_SMS_API_KEY", cfg.SMSAPIKey)
	cfg.SMSUserID = stringEnv("RAPID_SMS_USER_ID", cfg.SMSUserID)
	cfg.SMSPassword = stringEnv("RAPID_SMS_PASSWORD", cfg.SMSPassword)
	cfg.SMSSenderID = stringEnv("RAPID_SMS_SENDER_ID", cfg.SMSSenderID)

	cfg.ProbeURL = stringEnv("RAPID_PROBE_URL", cfg.ProbeURL)
	if cfg.ProbeInterval, err = durationEnv("RAPID_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return Config{}, err
	}
	cfg.DrainSchedule = stringEnv("RAPID_DRAIN_SCHEDULE", cfg.DrainSchedule)

	if v := os.Getenv("RAPID_LOCATION_LAT"); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RAPID_LOCATION_LAT: %w", err)
		}
		cfg.LocationLat = &lat
	}
	if v := os.Getenv("RAPID_LOCATION_LON"); v != "" {
		lon, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RAPID_LOCATION_LON: %w", err)
		}
		cfg.LocationLon = &lon
	}
	if cfg.LocationTimeout, err = durationEnv("RAPID_LOCATION_TIMEOUT", cfg.LocationTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
