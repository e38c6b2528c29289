// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Bus       BusConfig                 `yaml:"bus"`
	Channels  ChannelConfig             `yaml:"channels"`
	Engine    EngineConfig              `yaml:"engine"`
	Exchanges ExchangeCapabilities      `yaml:"exchanges"`
	MaxSize   map[string]float64        `yaml:"max_size_by_quote"`
	Storage   StorageConfig             `yaml:"storage"`
	Alert     AlertConfig               `yaml:"alert"`
	System    SystemConfig              `yaml:"system"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	StrategyName string `yaml:"strategy_name"` // Name announced on the trade request channel
	CustomerID   string `yaml:"customer_id"`
	TestMode     bool   `yaml:"test_mode"`
}

// BusConfig contains pub/sub transport settings
type BusConfig struct {
	URL               string  `yaml:"url"`
	AlarmURL          string  `yaml:"alarm_url"` // Alarms go out on a separate endpoint
	ReconnectDelaySec int     `yaml:"reconnect_delay" validate:"min=1,max=300"`
	PublishRate       float64 `yaml:"publish_rate"`  // Outbound messages per second
	PublishBurst      int     `yaml:"publish_burst"` // Burst allowance for the limiter
}

// ChannelConfig names the control channels used over the bus
type ChannelConfig struct {
	TaskQueue       string `yaml:"task_queue"`
	TaskStatus      string `yaml:"task_status"`
	TaskCommand     string `yaml:"task_command"`
	TaskCommandResp string `yaml:"task_command_response"`
	MasterCommand   string `yaml:"master_command"`
	MasterCmdResp   string `yaml:"master_command_response"`
	Notification    string `yaml:"notification"`
	StrategyAlarm   string `yaml:"strategy_alarm"`
	StatusMonitor   string `yaml:"status_monitor"`
}

// EngineConfig contains the execution loop tuning knobs
type EngineConfig struct {
	TimerIntervalSec       int `yaml:"timer_interval" validate:"min=1,max=60"`
	MarketDataToleranceSec int `yaml:"market_data_tolerance" validate:"min=1,max=60"`
	DataStaleSec           int `yaml:"data_stale_threshold" validate:"min=1,max=3600"`
	TradeStaleSec          int `yaml:"trade_stale_threshold" validate:"min=1,max=86400"`
	PendingTimeoutSec      int `yaml:"pending_order_timeout" validate:"min=1,max=3600"`
	WarningResetSec        int `yaml:"warning_reset" validate:"min=1,max=3600"`
	DealSizeAlarmSec       int `yaml:"deal_size_alarm" validate:"min=1,max=3600"`
	ErrorEscalationCount   int `yaml:"error_escalation_count" validate:"min=1,max=100"`
}

// ExchangeCapabilities declares venue feature support
type ExchangeCapabilities struct {
	OrderUpdate       map[string]bool `yaml:"order_update"`          // Venue streams order state pushes
	BalanceByOrderRes map[string]bool `yaml:"balance_by_order_res"`  // Venue balances reconcile off order responses
	VWAPSupport       []string        `yaml:"vwap_support"`          // Venues with usable kline feeds
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	OrderDir      string `yaml:"order_dir"`
	HistoryDBPath string `yaml:"history_db_path"`
}

// AlertConfig contains operator alert channel settings
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramToken    Secret `yaml:"telegram_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	Enabled          bool   `yaml:"enabled"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.StrategyName == "" {
		c.App.StrategyName = "eaas_execution"
	}
	if c.Bus.ReconnectDelaySec == 0 {
		c.Bus.ReconnectDelaySec = 5
	}
	if c.Bus.PublishRate == 0 {
		c.Bus.PublishRate = 25
	}
	if c.Bus.PublishBurst == 0 {
		c.Bus.PublishBurst = 30
	}
	if c.Channels.TaskQueue == "" {
		c.Channels.TaskQueue = "eaas_add_task_queue"
	}
	if c.Channels.TaskStatus == "" {
		c.Channels.TaskStatus = "eaas_task_status"
	}
	if c.Channels.TaskCommand == "" {
		c.Channels.TaskCommand = "eaas_task_command"
	}
	if c.Channels.TaskCommandResp == "" {
		c.Channels.TaskCommandResp = "eaas_task_command_response"
	}
	if c.Channels.MasterCommand == "" {
		c.Channels.MasterCommand = "eaas_master_command"
	}
	if c.Channels.MasterCmdResp == "" {
		c.Channels.MasterCmdResp = "eaas_master_command_response"
	}
	if c.Channels.Notification == "" {
		c.Channels.Notification = "eaas_notification"
	}
	if c.Channels.StrategyAlarm == "" {
		c.Channels.StrategyAlarm = "MM:strategy_alarm"
	}
	if c.Channels.StatusMonitor == "" {
		c.Channels.StatusMonitor = "eaas_status_monitor"
	}
	if c.Engine.TimerIntervalSec == 0 {
		c.Engine.TimerIntervalSec = 3
	}
	if c.Engine.MarketDataToleranceSec == 0 {
		c.Engine.MarketDataToleranceSec = 3
	}
	if c.Engine.DataStaleSec == 0 {
		c.Engine.DataStaleSec = 300
	}
	if c.Engine.TradeStaleSec == 0 {
		c.Engine.TradeStaleSec = 3600
	}
	if c.Engine.PendingTimeoutSec == 0 {
		c.Engine.PendingTimeoutSec = 600
	}
	if c.Engine.WarningResetSec == 0 {
		c.Engine.WarningResetSec = 600
	}
	if c.Engine.DealSizeAlarmSec == 0 {
		c.Engine.DealSizeAlarmSec = 600
	}
	if c.Engine.ErrorEscalationCount == 0 {
		c.Engine.ErrorEscalationCount = 5
	}
	if c.Exchanges.OrderUpdate == nil {
		c.Exchanges.OrderUpdate = map[string]bool{
			"Binance":  true,
			"Bitfinex": true,
			"OKcoin":   true,
			"Ftx":      false,
			"Coinflex": false,
		}
	}
	if c.Exchanges.BalanceByOrderRes == nil {
		c.Exchanges.BalanceByOrderRes = map[string]bool{
			"Binance":   true,
			"Huobi":     true,
			"Bitfinex":  true,
			"OKcoin":    true,
			"NewKucoin": true,
		}
	}
	if c.Exchanges.VWAPSupport == nil {
		c.Exchanges.VWAPSupport = []string{"Binance", "Huobi", "Bitfinex", "Bittrex"}
	}
	if c.MaxSize == nil {
		c.MaxSize = map[string]float64{
			"USD":  2000,
			"USDT": 2000,
			"TUSD": 2000,
			"PAX":  2000,
			"USDC": 2000,
			"HT":   800,
			"BNB":  100,
			"ETH":  10,
			"BTC":  0.2,
			"KRW":  2000000,
		}
	}
	if c.Storage.OrderDir == "" {
		c.Storage.OrderDir = "orders"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBusConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBusConfig() error {
	if c.Bus.URL == "" {
		return ValidationError{
			Field:   "bus.url",
			Message: "bus endpoint is required",
		}
	}
	if c.Bus.PublishRate <= 0 {
		return ValidationError{
			Field:   "bus.publish_rate",
			Value:   c.Bus.PublishRate,
			Message: "publish rate must be positive",
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.TimerIntervalSec <= 0 {
		return ValidationError{
			Field:   "engine.timer_interval",
			Value:   c.Engine.TimerIntervalSec,
			Message: "timer interval must be positive",
		}
	}
	if c.Engine.MarketDataToleranceSec <= 0 {
		return ValidationError{
			Field:   "engine.market_data_tolerance",
			Value:   c.Engine.MarketDataToleranceSec,
			Message: "market data tolerance must be positive",
		}
	}
	if c.Engine.PendingTimeoutSec <= c.Engine.TimerIntervalSec {
		return ValidationError{
			Field:   "engine.pending_order_timeout",
			Value:   c.Engine.PendingTimeoutSec,
			Message: "pending order timeout must exceed the timer interval",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// TimerInterval returns the engine timer period as a duration
func (c *Config) TimerInterval() time.Duration {
	return time.Duration(c.Engine.TimerIntervalSec) * time.Second
}

// MarketDataTolerance returns the freshness window for market data
func (c *Config) MarketDataTolerance() time.Duration {
	return time.Duration(c.Engine.MarketDataToleranceSec) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			StrategyName: "eaas_execution",
			CustomerID:   "test_customer",
			TestMode:     true,
		},
		Bus: BusConfig{
			URL:      "ws://localhost:8080/bus",
			AlarmURL: "ws://localhost:8081/bus",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
	cfg.applyDefaults()
	return cfg
}
