package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHub_DefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{
		"RADIO_FREQ_MHZ", "RADIO_SF", "RADIO_SYNC_WORD", "ANOMALY_PROFILE",
		"CONSECUTIVE_HITS", "TX_COOLDOWN_MS", "HEARTBEAT_MS", "DEEP_RATE_LIMIT",
		"DEEP_RATE_WINDOW_S", "SESSION_TIMEOUT_S", "AI_MODE", "HUB_DB_PATH",
		"HUB_HTTP_ADDR", "FASTCLOUD_URL", "GEMINI_API_KEY", "LOG_LEVEL",
		"SPECTROGRAM_DIR", "REASSEMBLY_PERMISSIVE",
	} {
		t.Setenv(k, "")
	}

	cfg, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, 915.0, cfg.RadioFreqMHz)
	assert.Equal(t, ProfileProduction, cfg.AnomalyProfile)
	assert.Equal(t, 4, cfg.ConsecutiveHits)
	assert.Equal(t, 30*time.Second, cfg.TxCooldown)
	assert.Equal(t, 15*time.Minute, cfg.DeepRateWindow)
	assert.Equal(t, ModeAuto, cfg.AIMode)
	assert.False(t, cfg.PermissiveReassembly)
}

func TestLoadHub_RejectsInvalidAnomalyProfile(t *testing.T) {
	t.Setenv("ANOMALY_PROFILE", "bogus")
	_, err := LoadHub()
	assert.Error(t, err)
}

func TestLoadHub_RejectsInvalidAIMode(t *testing.T) {
	t.Setenv("AI_MODE", "bogus")
	_, err := LoadHub()
	assert.Error(t, err)
}

func TestLoadHub_ReadsMillisecondAndSecondDurations(t *testing.T) {
	t.Setenv("TX_COOLDOWN_MS", "5000")
	t.Setenv("SESSION_TIMEOUT_S", "45")
	cfg, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.TxCooldown)
	assert.Equal(t, 45*time.Second, cfg.SessionTimeout)
}

func TestLoadNode_Defaults(t *testing.T) {
	t.Setenv("NODE_ID", "")
	for _, k := range []string{"ANOMALY_PROFILE", "LOW_BATTERY_PCT"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadNode()
	require.NoError(t, err)
	assert.Equal(t, "GUARDIAN_001", cfg.NodeID)
	assert.Equal(t, 5, cfg.LowBatteryPct)
}
