package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the node reads at startup. All values come from
// MESHTALK_* environment variables (a .env file is honored in development).
type Config struct {
	Home        string // state dir: keys, database, downloads
	ListenAddr  string // QUIC listen address; port 0 picks an ephemeral port
	DisplayName string
	DeviceName  string
	DownloadDir string
	OpsAddr     string // metrics/health HTTP listener; empty disables

	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	AcceptTimeout   time.Duration // transfer_announce -> accept/reject
	ChunkAckTimeout time.Duration
	AckTimeout      time.Duration // chat message -> ack

	StoreWorkers int
	Debug        bool
	PrettyLogs   bool
}

// Load reads configuration from the environment, falling back to defaults
// that bring a node up on a local segment with no configuration at all.
func Load() *Config {
	_ = godotenv.Load()

	host, _ := os.Hostname()
	if host == "" {
		host = "meshtalk-device"
	}
	home := getEnv("MESHTALK_HOME", defaultHome())

	return &Config{
		Home:        home,
		ListenAddr:  getEnv("MESHTALK_LISTEN_ADDR", "0.0.0.0:0"),
		DisplayName: getEnv("MESHTALK_DISPLAY_NAME", host),
		DeviceName:  getEnv("MESHTALK_DEVICE_NAME", host),
		DownloadDir: getEnv("MESHTALK_DOWNLOAD_DIR", filepath.Join(home, "downloads")),
		OpsAddr:     getEnv("MESHTALK_OPS_ADDR", "127.0.0.1:9690"),

		DiscoveryInterval: getEnvDuration("MESHTALK_DISCOVERY_INTERVAL", 5*time.Second),
		HeartbeatInterval: getEnvDuration("MESHTALK_HEARTBEAT_INTERVAL", 10*time.Second),
		StaleAfter:        getEnvDuration("MESHTALK_STALE_AFTER", 30*time.Second),

		ReconnectAttempts: getEnvInt("MESHTALK_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoff:  getEnvDuration("MESHTALK_RECONNECT_BACKOFF", 2*time.Second),

		AcceptTimeout:   getEnvDuration("MESHTALK_ACCEPT_TIMEOUT", 10*time.Second),
		ChunkAckTimeout: getEnvDuration("MESHTALK_CHUNK_ACK_TIMEOUT", 30*time.Second),
		AckTimeout:      getEnvDuration("MESHTALK_ACK_TIMEOUT", 10*time.Second),

		StoreWorkers: getEnvInt("MESHTALK_STORE_WORKERS", 4),
		Debug:        getEnvBool("MESHTALK_DEBUG", false),
		PrettyLogs:   getEnvBool("MESHTALK_PRETTY_LOGS", false),
	}
}

// StorePath is the sqlite database location under Home.
func (c *Config) StorePath() string {
	return filepath.Join(c.Home, "meshtalk.db")
}

func defaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return ".meshtalk"
	}
	return filepath.Join(h, ".meshtalk")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true"
}
