// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ycliu-tw/quantd/internal/broker/ibtws"
	"github.com/ycliu-tw/quantd/internal/broker/shioaji"
	"github.com/ycliu-tw/quantd/internal/broker/sim"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/execution"
	"github.com/ycliu-tw/quantd/internal/feed"
	"github.com/ycliu-tw/quantd/internal/metrics"
	"github.com/ycliu-tw/quantd/internal/position"
	"github.com/ycliu-tw/quantd/internal/signal"
	"github.com/ycliu-tw/quantd/internal/stream"
	"github.com/ycliu-tw/quantd/internal/types"
	"github.com/ycliu-tw/quantd/pkg/volcurve"
)

// Config represents the full application configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Execution ExecutionConfig `yaml:"execution"`
	Risk      RiskConfig      `yaml:"risk"`
	Signals   SignalsConfig   `yaml:"signals"`
	Stream    StreamConfig    `yaml:"stream"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Pricing   PricingConfig   `yaml:"pricing"`
}

// BrokerConfig holds broker backend settings.
type BrokerConfig struct {
	Backend string `yaml:"backend"` // ibtws | shioaji | sim

	// ibtws
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int    `yaml:"client_id"`

	// shioaji
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Simulation bool   `yaml:"simulation"`

	ConnectTimeoutSec    int  `yaml:"connect_timeout_sec"`
	HeartbeatIntervalSec int  `yaml:"heartbeat_interval_sec"`
	MissedHeartbeats     int  `yaml:"missed_heartbeats"`
	RateLimitPerSecond   int  `yaml:"rate_limit_per_second"`
	AutoReconnect        bool `yaml:"auto_reconnect"`
	ReconnectBaseMs      int  `yaml:"reconnect_base_ms"`
	ReconnectMaxSec      int  `yaml:"reconnect_max_sec"`
	MaxReconnectTries    int  `yaml:"max_reconnect_tries"`
	EventBuffer          int  `yaml:"event_buffer"`
}

// ExecutionConfig holds gateway and optimizer settings.
type ExecutionConfig struct {
	SubmitTimeoutSec int    `yaml:"submit_timeout_sec"`
	RetryAttempts    int    `yaml:"retry_attempts"`
	RetryBaseMs      int    `yaml:"retry_base_ms"`
	RetryMaxMs       int    `yaml:"retry_max_ms"`
	MinSliceQty      int    `yaml:"min_slice_qty"`
	Slices           int    `yaml:"slices"`
	SliceIntervalSec int    `yaml:"slice_interval_sec"`
	DrainTimeoutSec  int    `yaml:"drain_timeout_sec"`
	UnfilledPolicy   string `yaml:"unfilled_policy"` // reslice | escalate
	UseVolumeCurve   bool   `yaml:"use_volume_curve"`
	// SlippageTolerance is the fraction of the quote a slice's limit
	// price may cross the market by (0.001 = 10 bps).
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
}

// RiskConfig holds position sizing limits.
type RiskConfig struct {
	Capital        float64 `yaml:"capital"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MinQuantity    int     `yaml:"min_quantity"`
}

// SignalsConfig holds signal intake settings.
type SignalsConfig struct {
	Source             string      `yaml:"source"` // inproc | kafka
	Symbols            []string    `yaml:"symbols"`
	ConfidenceFloor    float64     `yaml:"confidence_floor"`
	FreshnessWindowSec int         `yaml:"freshness_window_sec"`
	SecurityType       string      `yaml:"security_type"`
	Exchange           string      `yaml:"exchange"`
	Currency           string      `yaml:"currency"`
	Kafka              KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds the Kafka consumer settings for the signal source.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
	Buffer  int      `yaml:"buffer"`
}

// StreamConfig holds the outbound event stream settings.
type StreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// JournalConfig holds the execution journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// PricingConfig holds option pricing settings.
type PricingConfig struct {
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	VolWindow    int     `yaml:"vol_window"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment
// variables are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration, applying defaults to the fields
// that have safe ones and collecting every problem into one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Broker.Backend {
	case "ibtws", "shioaji", "sim":
	case "":
		errs = append(errs, "broker.backend is required (ibtws, shioaji or sim)")
	default:
		errs = append(errs, fmt.Sprintf("broker.backend '%s' is not supported", c.Broker.Backend))
	}
	if c.Broker.Backend == "ibtws" && c.Broker.Host == "" {
		errs = append(errs, "broker.host is required for ibtws")
	}
	if c.Broker.Backend == "shioaji" && c.Broker.URL == "" {
		errs = append(errs, "broker.url is required for shioaji")
	}

	// Execution defaults
	if c.Execution.SubmitTimeoutSec <= 0 {
		c.Execution.SubmitTimeoutSec = 5
	}
	if c.Execution.RetryAttempts <= 0 {
		c.Execution.RetryAttempts = 3
	}
	if c.Execution.RetryBaseMs <= 0 {
		c.Execution.RetryBaseMs = 200
	}
	if c.Execution.RetryMaxMs <= 0 {
		c.Execution.RetryMaxMs = 2000
	}
	if c.Execution.MinSliceQty <= 0 {
		c.Execution.MinSliceQty = 4
	}
	if c.Execution.Slices <= 0 {
		c.Execution.Slices = 4
	}
	if c.Execution.SliceIntervalSec <= 0 {
		c.Execution.SliceIntervalSec = 15
	}
	if c.Execution.DrainTimeoutSec <= 0 {
		c.Execution.DrainTimeoutSec = 30
	}
	if c.Execution.UnfilledPolicy == "" {
		c.Execution.UnfilledPolicy = "reslice"
	}
	if _, ok := execution.ParseUnfilledPolicy(c.Execution.UnfilledPolicy); !ok {
		errs = append(errs, fmt.Sprintf("execution.unfilled_policy '%s' must be 'reslice' or 'escalate'", c.Execution.UnfilledPolicy))
	}
	if c.Execution.SlippageTolerance == 0 {
		c.Execution.SlippageTolerance = 0.001
	}
	if c.Execution.SlippageTolerance < 0 || c.Execution.SlippageTolerance >= 1 {
		errs = append(errs, "execution.slippage_tolerance must be in [0, 1)")
	}

	if c.Risk.Capital <= 0 {
		errs = append(errs, "risk.capital must be positive")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, "risk.max_position_pct must be between 0 and 1")
	}
	if c.Risk.MinQuantity < 0 {
		errs = append(errs, "risk.min_quantity must not be negative")
	}

	switch c.Signals.Source {
	case "", "inproc":
		c.Signals.Source = "inproc"
	case "kafka":
		if len(c.Signals.Kafka.Brokers) == 0 {
			errs = append(errs, "signals.kafka.brokers is required for the kafka source")
		}
		if c.Signals.Kafka.Topic == "" {
			errs = append(errs, "signals.kafka.topic is required for the kafka source")
		}
	default:
		errs = append(errs, fmt.Sprintf("signals.source '%s' must be 'inproc' or 'kafka'", c.Signals.Source))
	}
	if c.Signals.ConfidenceFloor < 0 || c.Signals.ConfidenceFloor > 1 {
		errs = append(errs, "signals.confidence_floor must be between 0 and 1")
	}
	if c.Signals.FreshnessWindowSec <= 0 {
		c.Signals.FreshnessWindowSec = 30
	}
	if c.Signals.SecurityType != "" {
		if _, ok := contract.ParseSecurityType(c.Signals.SecurityType); !ok {
			errs = append(errs, fmt.Sprintf("signals.security_type '%s' is not supported", c.Signals.SecurityType))
		}
	}
	if c.Signals.Exchange == "" {
		c.Signals.Exchange = "SMART"
	}
	if c.Signals.Currency == "" {
		c.Signals.Currency = "USD"
	}

	if c.Stream.Enabled {
		if len(c.Stream.Brokers) == 0 {
			errs = append(errs, "stream.brokers is required when the stream is enabled")
		}
		if c.Stream.Topic == "" {
			errs = append(errs, "stream.topic is required when the stream is enabled")
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d]: type '%s' is not supported", i, ch.Type))
		}
	}

	if c.Pricing.RiskFreeRate < 0 || c.Pricing.RiskFreeRate > 0.5 {
		errs = append(errs, "pricing.risk_free_rate must be between 0 and 0.5")
	}
	if c.Pricing.VolWindow <= 0 {
		c.Pricing.VolWindow = 120
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// SubmitTimeout returns the order submission timeout.
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Execution.SubmitTimeoutSec) * time.Second
}

// SliceInterval returns the spacing between slices.
func (c *Config) SliceInterval() time.Duration {
	return time.Duration(c.Execution.SliceIntervalSec) * time.Second
}

// FreshnessWindow returns the signal staleness bound.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Signals.FreshnessWindowSec) * time.Second
}

// HeartbeatInterval returns the broker heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Broker.HeartbeatIntervalSec) * time.Second
}

// CapitalDecimal returns the configured capital as a decimal.
func (c *Config) CapitalDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.Capital)
}

// ToRiskLimits converts the risk section into position sizing limits.
func (c *Config) ToRiskLimits() position.RiskLimits {
	limits := position.RiskLimits{
		MaxPositionPct: decimal.NewFromFloat(c.Risk.MaxPositionPct),
		MinQuantity:    c.Risk.MinQuantity,
	}
	if limits.MinQuantity < 1 {
		limits.MinQuantity = 1
	}
	return limits
}

// ToGatewayConfig converts the execution section into gateway settings.
func (c *Config) ToGatewayConfig() execution.GatewayConfig {
	return execution.GatewayConfig{
		SubmitTimeout: c.SubmitTimeout(),
		RetryAttempts: c.Execution.RetryAttempts,
		RetryBase:     time.Duration(c.Execution.RetryBaseMs) * time.Millisecond,
		RetryMax:      time.Duration(c.Execution.RetryMaxMs) * time.Millisecond,
	}
}

// ToOptimizerConfig converts the execution section into optimizer
// settings. The volume curve, when enabled, follows the configured
// slice count.
func (c *Config) ToOptimizerConfig() execution.OptimizerConfig {
	policy, _ := execution.ParseUnfilledPolicy(c.Execution.UnfilledPolicy)
	cfg := execution.OptimizerConfig{
		MinSliceQty:       c.Execution.MinSliceQty,
		Slices:            c.Execution.Slices,
		Interval:          c.SliceInterval(),
		DrainTimeout:      time.Duration(c.Execution.DrainTimeoutSec) * time.Second,
		UnfilledPolicy:    policy,
		SlippageTolerance: decimal.NewFromFloat(c.Execution.SlippageTolerance),
	}
	if c.Execution.UseVolumeCurve {
		curve := volcurve.UShaped(c.Execution.Slices)
		cfg.Curve = &curve
	}
	return cfg
}

// ToSignalConfig converts the signals section into processor settings.
func (c *Config) ToSignalConfig() signal.Config {
	cfg := signal.Config{
		ConfidenceFloor: decimal.NewFromFloat(c.Signals.ConfidenceFloor),
		FreshnessWindow: c.FreshnessWindow(),
		Limits:          c.ToRiskLimits(),
	}
	if st, ok := contract.ParseSecurityType(c.Signals.SecurityType); ok {
		cfg.SecurityType = st
	}
	return cfg
}

// ToKafkaSourceConfig converts the signals section into the Kafka
// consumer settings.
func (c *Config) ToKafkaSourceConfig() signal.KafkaConfig {
	return signal.KafkaConfig{
		Brokers: c.Signals.Kafka.Brokers,
		Topic:   c.Signals.Kafka.Topic,
		GroupID: c.Signals.Kafka.GroupID,
		Buffer:  c.Signals.Kafka.Buffer,
	}
}

// ToStreamConfig converts the stream section.
func (c *Config) ToStreamConfig() stream.Config {
	return stream.Config{
		Brokers: c.Stream.Brokers,
		Topic:   c.Stream.Topic,
	}
}

// ToFeedConfig converts the pricing section into feed settings.
func (c *Config) ToFeedConfig() feed.Config {
	cfg := feed.DefaultConfig()
	cfg.RiskFreeRate = c.Pricing.RiskFreeRate
	cfg.VolWindow = c.Pricing.VolWindow
	return cfg
}

// ToMetricsServerConfig converts the metrics section into server
// settings.
func (c *Config) ToMetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	if c.Metrics.Port > 0 {
		cfg.Port = c.Metrics.Port
	}
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// ToIBTWSConfig converts the broker section into TWS client settings.
func (c *Config) ToIBTWSConfig() ibtws.Config {
	cfg := ibtws.DefaultConfig()
	cfg.Host = c.Broker.Host
	if c.Broker.Port > 0 {
		cfg.Port = c.Broker.Port
	}
	if c.Broker.ClientID > 0 {
		cfg.ClientID = c.Broker.ClientID
	}
	if c.Broker.ConnectTimeoutSec > 0 {
		cfg.ConnectTimeout = time.Duration(c.Broker.ConnectTimeoutSec) * time.Second
	}
	if c.Broker.HeartbeatIntervalSec > 0 {
		cfg.HeartbeatInterval = c.HeartbeatInterval()
	}
	if c.Broker.MissedHeartbeats > 0 {
		cfg.MissedHeartbeats = c.Broker.MissedHeartbeats
	}
	if c.Broker.RateLimitPerSecond > 0 {
		cfg.MaxRequestsPerSecond = c.Broker.RateLimitPerSecond
	}
	cfg.AutoReconnect = c.Broker.AutoReconnect
	if c.Broker.ReconnectBaseMs > 0 {
		cfg.ReconnectBase = time.Duration(c.Broker.ReconnectBaseMs) * time.Millisecond
	}
	if c.Broker.ReconnectMaxSec > 0 {
		cfg.ReconnectMax = time.Duration(c.Broker.ReconnectMaxSec) * time.Second
	}
	if c.Broker.MaxReconnectTries > 0 {
		cfg.MaxReconnectTries = c.Broker.MaxReconnectTries
	}
	if c.Broker.EventBuffer > 0 {
		cfg.EventBuffer = c.Broker.EventBuffer
	}
	return cfg
}

// ToShioajiConfig converts the broker section into bridge settings.
func (c *Config) ToShioajiConfig() shioaji.Config {
	cfg := shioaji.DefaultConfig()
	cfg.URL = c.Broker.URL
	cfg.APIKey = c.Broker.APIKey
	cfg.SecretKey = c.Broker.SecretKey
	cfg.Simulation = c.Broker.Simulation
	if c.Broker.ConnectTimeoutSec > 0 {
		cfg.HandshakeTimeout = time.Duration(c.Broker.ConnectTimeoutSec) * time.Second
	}
	cfg.AutoReconnect = c.Broker.AutoReconnect
	if c.Broker.ReconnectBaseMs > 0 {
		cfg.ReconnectBase = time.Duration(c.Broker.ReconnectBaseMs) * time.Millisecond
	}
	if c.Broker.ReconnectMaxSec > 0 {
		cfg.ReconnectMax = time.Duration(c.Broker.ReconnectMaxSec) * time.Second
	}
	if c.Broker.MaxReconnectTries > 0 {
		cfg.MaxReconnectTries = c.Broker.MaxReconnectTries
	}
	if c.Broker.EventBuffer > 0 {
		cfg.EventBuffer = c.Broker.EventBuffer
	}
	return cfg
}

// ToSimConfig converts the broker and risk sections into simulator
// settings.
func (c *Config) ToSimConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.InitialEquity = c.CapitalDecimal()
	return cfg
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
