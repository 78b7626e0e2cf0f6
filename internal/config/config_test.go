package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
broker:
  api_key: ${TEST_APCA_KEY}
  secret: ${TEST_APCA_SECRET}
feed:
  symbols: [aapl, " msft ", AAPL]
`

func TestLoadFileDefaults(t *testing.T) {
	t.Setenv("TEST_APCA_KEY", "key-id")
	t.Setenv("TEST_APCA_SECRET", "secret")
	t.Setenv("LIVE_TRADING", "")

	cfg, err := LoadFile(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "key-id", cfg.Broker.ApiKey)
	assert.Equal(t, "secret", cfg.Broker.Secret)
	assert.Equal(t, 15*time.Second, cfg.Broker.Timeout)
	assert.Equal(t, 200, cfg.Broker.DataRatePerMin)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Feed.Symbols)
	assert.Equal(t, 5*time.Second, cfg.Feed.Staleness)
	assert.Equal(t, "SPY", cfg.Feed.ProbeSymbol)
	assert.False(t, cfg.Feed.Strict)

	assert.Equal(t, "balanced", cfg.Risk.Preset)
	preset := cfg.ActivePreset()
	assert.Equal(t, "balanced", preset.Name)
	assert.Equal(t, 5, preset.MaxPositions)
	assert.Equal(t, ".kill_switch", cfg.Risk.KillSwitchFile)
	assert.Equal(t, "TRADE_HALT", cfg.Risk.KillSwitchEnv)

	assert.Equal(t, ModePaper, cfg.Runtime.Mode)
	assert.False(t, cfg.Runtime.LiveConfirmed)
	assert.Zero(t, cfg.Safety.MaxDataStale)
}

func TestPresetOverridesLayerOnBuiltins(t *testing.T) {
	t.Setenv("TEST_APCA_KEY", "k")
	t.Setenv("TEST_APCA_SECRET", "s")

	cfg, err := LoadFile(writeConfig(t, minimal+`
risk:
  preset: safe
  presets:
    safe:
      cooldown_sec: 600
safety:
  max_data_stale_sec: 90
  max_latency_p95_ms: 1500
`))
	require.NoError(t, err)

	preset := cfg.ActivePreset()
	assert.Equal(t, 600, preset.CooldownSec)
	assert.Equal(t, 3, preset.MaxPositions, "unset fields keep the built-in value")
	assert.Equal(t, 90*time.Second, cfg.Safety.MaxDataStale)
	assert.Equal(t, 1500*time.Millisecond, cfg.Safety.MaxLatencyP95)
}

func TestLiveConfirmationFromEnvironment(t *testing.T) {
	t.Setenv("TEST_APCA_KEY", "k")
	t.Setenv("TEST_APCA_SECRET", "s")
	t.Setenv("LIVE_TRADING", "true")

	cfg, err := LoadFile(writeConfig(t, minimal+`
runtime:
  mode: LIVE
`))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Runtime.Mode)
	assert.True(t, cfg.Runtime.LiveConfirmed)
}

func TestInvalidConfig(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		body  string
		field string
	}{
		{"missing credentials", map[string]string{"TEST_APCA_KEY": ""}, minimal, "broker.api_key"},
		{"unknown preset", nil, minimal + "risk:\n  preset: yolo\n", "risk.preset"},
		{"zero staleness", nil, minimal + "  staleness_sec: 0\n", "feed.staleness_sec"},
		{"no symbols", nil, "broker:\n  api_key: k\n  secret: s\n", "feed.symbols"},
		{"negative data rate", nil, "broker:\n  api_key: k\n  secret: s\n  data_rate_per_min: -1\nfeed:\n  symbols: [AAPL]\n", "broker.data_rate_per_min"},
		{"bad mode", nil, minimal + "runtime:\n  mode: demo\n", "runtime.mode"},
		{"invalid preset override", nil, minimal + "risk:\n  presets:\n    balanced:\n      max_positions: 0\n", "risk.presets.balanced"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TEST_APCA_KEY", "k")
			t.Setenv("TEST_APCA_SECRET", "s")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := LoadFile(writeConfig(t, tc.body))
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
