// Package config centralizes parsing of the environment-style configuration
// keys the hub and node binaries read at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AnomalyProfile selects which band-ratio heuristics the Anomaly Gate applies.
type AnomalyProfile string

const (
	ProfileDemo       AnomalyProfile = "demo"
	ProfileProduction AnomalyProfile = "production"
)

// ClassifierMode selects which tier(s) the Classifier Dispatcher invokes.
type ClassifierMode string

const (
	ModeDeep  ClassifierMode = "deep"
	ModeFast  ClassifierMode = "fast"
	ModeLocal ClassifierMode = "local"
	ModeAuto  ClassifierMode = "auto"
)

// HubConfig holds every setting the hub process needs, populated from
// environment variables with sensible defaults for local/demo runs.
type HubConfig struct {
	RadioFreqMHz    float64
	RadioSF         int
	RadioSyncWord   byte
	AnomalyProfile  AnomalyProfile
	ConsecutiveHits int
	TxCooldown      time.Duration
	HeartbeatPeriod time.Duration
	DeepRateLimit   int
	DeepRateWindow  time.Duration
	SessionTimeout  time.Duration
	AIMode          ClassifierMode

	DBPath        string
	HTTPAddr      string
	FastCloudURL  string
	GeminiAPIKey  string
	LogLevel      string
	SpectrogramDir string
	PermissiveReassembly bool
}

// NodeConfig holds the settings a simulated node needs.
type NodeConfig struct {
	NodeID          string
	RadioFreqMHz    float64
	RadioSF         int
	RadioSyncWord   byte
	AnomalyProfile  AnomalyProfile
	ConsecutiveHits int
	TxCooldown      time.Duration
	HeartbeatPeriod time.Duration
	LowBatteryPct   int
	LogLevel        string
}

// LoadHub reads HubConfig from the environment, applying defaults for unset keys.
func LoadHub() (*HubConfig, error) {
	cfg := &HubConfig{
		RadioFreqMHz:    envFloat("RADIO_FREQ_MHZ", 915.0),
		RadioSF:         envInt("RADIO_SF", 10),
		RadioSyncWord:   byte(envInt("RADIO_SYNC_WORD", 0x12)),
		AnomalyProfile:  AnomalyProfile(envString("ANOMALY_PROFILE", string(ProfileProduction))),
		ConsecutiveHits: envInt("CONSECUTIVE_HITS", 4),
		TxCooldown:      envDuration("TX_COOLDOWN_MS", 30*time.Second, true),
		HeartbeatPeriod: envDuration("HEARTBEAT_MS", 30*time.Second, true),
		DeepRateLimit:   envInt("DEEP_RATE_LIMIT", 5),
		DeepRateWindow:  envDuration("DEEP_RATE_WINDOW_S", 15*time.Minute, false),
		SessionTimeout:  envDuration("SESSION_TIMEOUT_S", 30*time.Second, false),
		AIMode:          ClassifierMode(envString("AI_MODE", string(ModeAuto))),

		DBPath:         envString("HUB_DB_PATH", "forest_guardian.db"),
		HTTPAddr:       envString("HUB_HTTP_ADDR", ":5000"),
		FastCloudURL:   envString("FASTCLOUD_URL", "http://localhost:5002"),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		LogLevel:       envString("LOG_LEVEL", "info"),
		SpectrogramDir: envString("SPECTROGRAM_DIR", "spectrograms"),
		PermissiveReassembly: envBool("REASSEMBLY_PERMISSIVE", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HubConfig) validate() error {
	if c.AnomalyProfile != ProfileDemo && c.AnomalyProfile != ProfileProduction {
		return fmt.Errorf("invalid ANOMALY_PROFILE %q", c.AnomalyProfile)
	}
	switch c.AIMode {
	case ModeDeep, ModeFast, ModeLocal, ModeAuto:
	default:
		return fmt.Errorf("invalid AI_MODE %q", c.AIMode)
	}
	if c.ConsecutiveHits <= 0 {
		return errors.New("CONSECUTIVE_HITS must be positive")
	}
	if c.DeepRateLimit <= 0 {
		return errors.New("DEEP_RATE_LIMIT must be positive")
	}
	if c.SessionTimeout <= 0 {
		return errors.New("SESSION_TIMEOUT_S must be positive")
	}
	return nil
}

// LoadNode reads NodeConfig from the environment.
func LoadNode() (*NodeConfig, error) {
	cfg := &NodeConfig{
		NodeID:          envString("NODE_ID", "GUARDIAN_001"),
		RadioFreqMHz:    envFloat("RADIO_FREQ_MHZ", 915.0),
		RadioSF:         envInt("RADIO_SF", 10),
		RadioSyncWord:   byte(envInt("RADIO_SYNC_WORD", 0x12)),
		AnomalyProfile:  AnomalyProfile(envString("ANOMALY_PROFILE", string(ProfileProduction))),
		ConsecutiveHits: envInt("CONSECUTIVE_HITS", 4),
		TxCooldown:      envDuration("TX_COOLDOWN_MS", 30*time.Second, true),
		HeartbeatPeriod: envDuration("HEARTBEAT_MS", 30*time.Second, true),
		LowBatteryPct:   envInt("LOW_BATTERY_PCT", 5),
		LogLevel:        envString("LOG_LEVEL", "info"),
	}
	if cfg.NodeID == "" {
		return nil, errors.New("NODE_ID must not be empty")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}

// envDuration reads a duration-valued key. When millis is true the raw value
// is interpreted as milliseconds (matching the *_MS key naming convention
// carried over from the original firmware's tuning constants); otherwise it
// is interpreted as whole seconds.
func envDuration(key string, def time.Duration, millis bool) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if millis {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}
