package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradecore/internal/risk"
)

type Config struct {
	Broker    BrokerConfig
	Feed      FeedConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Safety    SafetyConfig
	Runtime   RuntimeConfig
}

type BrokerConfig struct {
	BaseURL   string
	DataURL   string
	StreamURL string
	ApiKey    string
	Secret    string
	Timeout   time.Duration
	// DataRatePerMin paces market-data queries.
	DataRatePerMin int
}

type FeedConfig struct {
	Strict             bool
	ProbeSymbol        string
	Symbols            []string
	Staleness          time.Duration
	WatchdogInterval   time.Duration
	CrosscheckInterval time.Duration
	CrosscheckMaxTicks int
	TickSize           float64
	MaxSkew            time.Duration
	ContinuityInterval time.Duration
	ContinuityLookback time.Duration
	LatencyWindow      int
}

type RiskConfig struct {
	Preset         string
	Presets        map[string]risk.Preset
	FallbackEquity float64
	KillSwitchFile string
	KillSwitchEnv  string
}

type ExecutionConfig struct {
	Workers          int
	QueueSize        int
	MaxAttempts      int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	AttemptTimeout   time.Duration
	MaxRateLimitWait time.Duration
}

type SafetyConfig struct {
	Interval         time.Duration
	MaxDataStale     time.Duration
	MaxLatencyP95    time.Duration
	MaxRejectsPerMin int
}

type RuntimeConfig struct {
	Mode          string
	LiveConfirmed bool
	MetricsAddr   string
	Log           LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Error is a startup configuration problem; the process must not run with it.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

var ErrConfigNotFound = errors.New("config file not found")

// Load reads configs/config.yaml, or the file named by TRADECORE_CONFIG.
func Load() (*Config, error) {
	if path := os.Getenv("TRADECORE_CONFIG"); path != "" {
		return LoadFile(path)
	}

	v := newViper()
	v.AddConfigPath("configs")
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return build(v)
}

func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.data_url", "https://data.alpaca.markets")
	v.SetDefault("broker.stream_url", "wss://stream.data.alpaca.markets/v2")
	v.SetDefault("broker.api_key", "${APCA_API_KEY_ID}")
	v.SetDefault("broker.secret", "${APCA_API_SECRET_KEY}")
	v.SetDefault("broker.timeout", "15s")
	v.SetDefault("broker.data_rate_per_min", 200)

	v.SetDefault("feed.strict", false)
	v.SetDefault("feed.probe_symbol", "SPY")
	v.SetDefault("feed.staleness_sec", 5)
	v.SetDefault("feed.watchdog_interval", "1s")
	v.SetDefault("feed.crosscheck_interval", "30s")
	v.SetDefault("feed.crosscheck_max_ticks", 1)
	v.SetDefault("feed.tick_size", 0.01)
	v.SetDefault("feed.max_skew", "2s")
	v.SetDefault("feed.continuity_interval", "5m")
	v.SetDefault("feed.continuity_lookback", "30m")
	v.SetDefault("feed.latency_window", 500)

	v.SetDefault("risk.preset", "balanced")
	v.SetDefault("risk.fallback_equity", 0)
	v.SetDefault("risk.kill_switch_file", ".kill_switch")
	v.SetDefault("risk.kill_switch_env", "TRADE_HALT")

	v.SetDefault("execution.workers", 4)
	v.SetDefault("execution.queue_size", 256)
	v.SetDefault("execution.max_attempts", 5)
	v.SetDefault("execution.backoff_min", "500ms")
	v.SetDefault("execution.backoff_max", "30s")
	v.SetDefault("execution.attempt_timeout", "10s")
	v.SetDefault("execution.max_rate_limit_wait", "60s")

	v.SetDefault("safety.interval", "10s")
	v.SetDefault("safety.max_data_stale_sec", 0)
	v.SetDefault("safety.max_latency_p95_ms", 0)
	v.SetDefault("safety.max_rejects_per_min", 0)

	v.SetDefault("runtime.mode", ModePaper)
	v.SetDefault("runtime.metrics_addr", "")
	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "json")
	v.SetDefault("runtime.log.file", "stdout")
	v.SetDefault("runtime.log.max_size", 100)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Broker = BrokerConfig{
		BaseURL:        strings.TrimSuffix(v.GetString("broker.base_url"), "/"),
		DataURL:        strings.TrimSuffix(v.GetString("broker.data_url"), "/"),
		StreamURL:      strings.TrimSuffix(v.GetString("broker.stream_url"), "/"),
		ApiKey:         envSub(v, "broker.api_key"),
		Secret:         envSub(v, "broker.secret"),
		Timeout:        v.GetDuration("broker.timeout"),
		DataRatePerMin: v.GetInt("broker.data_rate_per_min"),
	}

	cfg.Feed = FeedConfig{
		Strict:             v.GetBool("feed.strict"),
		ProbeSymbol:        strings.ToUpper(v.GetString("feed.probe_symbol")),
		Symbols:            normalizeSymbols(v.GetStringSlice("feed.symbols")),
		Staleness:          time.Duration(v.GetFloat64("feed.staleness_sec") * float64(time.Second)),
		WatchdogInterval:   v.GetDuration("feed.watchdog_interval"),
		CrosscheckInterval: v.GetDuration("feed.crosscheck_interval"),
		CrosscheckMaxTicks: v.GetInt("feed.crosscheck_max_ticks"),
		TickSize:           v.GetFloat64("feed.tick_size"),
		MaxSkew:            v.GetDuration("feed.max_skew"),
		ContinuityInterval: v.GetDuration("feed.continuity_interval"),
		ContinuityLookback: v.GetDuration("feed.continuity_lookback"),
		LatencyWindow:      v.GetInt("feed.latency_window"),
	}

	presets, err := loadPresets(v)
	if err != nil {
		return nil, err
	}
	cfg.Risk = RiskConfig{
		Preset:         strings.ToLower(v.GetString("risk.preset")),
		Presets:        presets,
		FallbackEquity: v.GetFloat64("risk.fallback_equity"),
		KillSwitchFile: v.GetString("risk.kill_switch_file"),
		KillSwitchEnv:  v.GetString("risk.kill_switch_env"),
	}

	cfg.Execution = ExecutionConfig{
		Workers:          v.GetInt("execution.workers"),
		QueueSize:        v.GetInt("execution.queue_size"),
		MaxAttempts:      v.GetInt("execution.max_attempts"),
		BackoffMin:       v.GetDuration("execution.backoff_min"),
		BackoffMax:       v.GetDuration("execution.backoff_max"),
		AttemptTimeout:   v.GetDuration("execution.attempt_timeout"),
		MaxRateLimitWait: v.GetDuration("execution.max_rate_limit_wait"),
	}

	cfg.Safety = SafetyConfig{
		Interval:         v.GetDuration("safety.interval"),
		MaxDataStale:     time.Duration(v.GetFloat64("safety.max_data_stale_sec") * float64(time.Second)),
		MaxLatencyP95:    time.Duration(v.GetFloat64("safety.max_latency_p95_ms") * float64(time.Millisecond)),
		MaxRejectsPerMin: v.GetInt("safety.max_rejects_per_min"),
	}

	cfg.Runtime = RuntimeConfig{
		Mode:          strings.ToLower(v.GetString("runtime.mode")),
		LiveConfirmed: strings.EqualFold(os.Getenv("LIVE_TRADING"), "true"),
		MetricsAddr:   v.GetString("runtime.metrics_addr"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ActivePreset returns the preset selected by risk.preset.
func (c *Config) ActivePreset() risk.Preset {
	return c.Risk.Presets[c.Risk.Preset]
}

func (c *Config) Validate() error {
	if c.Broker.ApiKey == "" {
		return &Error{Field: "broker.api_key", Reason: "missing credentials"}
	}
	if c.Broker.Secret == "" {
		return &Error{Field: "broker.secret", Reason: "missing credentials"}
	}
	if c.Broker.BaseURL == "" || c.Broker.DataURL == "" || c.Broker.StreamURL == "" {
		return &Error{Field: "broker", Reason: "base_url, data_url and stream_url are required"}
	}
	if c.Broker.DataRatePerMin < 0 {
		return &Error{Field: "broker.data_rate_per_min", Reason: "must not be negative"}
	}
	if len(c.Feed.Symbols) == 0 {
		return &Error{Field: "feed.symbols", Reason: "at least one symbol is required"}
	}
	if c.Feed.Staleness <= 0 {
		return &Error{Field: "feed.staleness_sec", Reason: "must be positive"}
	}
	if c.Feed.WatchdogInterval <= 0 {
		return &Error{Field: "feed.watchdog_interval", Reason: "must be positive"}
	}
	if c.Feed.TickSize <= 0 {
		return &Error{Field: "feed.tick_size", Reason: "must be positive"}
	}
	if c.Feed.CrosscheckMaxTicks < 1 {
		return &Error{Field: "feed.crosscheck_max_ticks", Reason: "must be at least 1"}
	}
	if _, ok := c.Risk.Presets[c.Risk.Preset]; !ok {
		return &Error{Field: "risk.preset", Reason: fmt.Sprintf("unknown preset %q", c.Risk.Preset)}
	}
	if c.Risk.FallbackEquity < 0 {
		return &Error{Field: "risk.fallback_equity", Reason: "must not be negative"}
	}
	if c.Risk.KillSwitchFile == "" {
		return &Error{Field: "risk.kill_switch_file", Reason: "marker path is required"}
	}
	if c.Execution.Workers < 1 {
		return &Error{Field: "execution.workers", Reason: "must be at least 1"}
	}
	if c.Execution.MaxAttempts < 1 {
		return &Error{Field: "execution.max_attempts", Reason: "must be at least 1"}
	}
	switch c.Runtime.Mode {
	case ModePaper, ModeLive:
	default:
		return &Error{Field: "runtime.mode", Reason: fmt.Sprintf("unknown mode %q", c.Runtime.Mode)}
	}
	return nil
}

func normalizeSymbols(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, sym := range raw {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
