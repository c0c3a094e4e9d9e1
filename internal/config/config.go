package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	PostgresURL string `yaml:"postgres_url"`
	RedisHost   string `yaml:"redis_host"`
	RedisPort   int    `yaml:"redis_port"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	HTTPAddr    string `yaml:"http_addr"`
	DryRun      bool   `yaml:"dry_run"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Risk      RiskConfig      `yaml:"risk"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Cache     CacheConfig     `yaml:"cache"`
	Feed      FeedConfig      `yaml:"feed"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Predictor PredictorConfig `yaml:"predictor"`
}

type ExecutorConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent_executions"`
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffDelayMS int `yaml:"backoff_delay_ms"`
	HistorySize    int `yaml:"history_size"`
}

func (e ExecutorConfig) BackoffDelay() time.Duration {
	return time.Duration(e.BackoffDelayMS) * time.Millisecond
}

type RiskConfig struct {
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	MinCashReserve  float64 `yaml:"min_cash_reserve"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	WarningRatio    float64 `yaml:"warning_ratio"`
	SweepIntervalMS int     `yaml:"sweep_interval_ms"`
	InitialCash     float64 `yaml:"initial_cash"`
}

func (r RiskConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMS) * time.Millisecond
}

type BacktestConfig struct {
	ClearingTolerance float64 `yaml:"clearing_tolerance"`
	UnitCost          float64 `yaml:"unit_cost_constant"`
	PriceBandWidth    float64 `yaml:"price_band_width"`
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxSizeMB  int `yaml:"max_size_mb"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type FeedConfig struct {
	Streams     []string `yaml:"streams"`
	EventStream string   `yaml:"event_stream"`
	QueueSize   int      `yaml:"queue_size"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type WebhookConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMS) * time.Millisecond
}

type PredictorConfig struct {
	ModelPath string `yaml:"model_path"`
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (p PredictorConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PostgresURL: buildPostgresURL(),
		RedisHost:   "redis",
		RedisPort:   6379,
		LogLevel:    "info",
		HTTPAddr:    ":8080",
		Executor: ExecutorConfig{
			MaxConcurrent:  4,
			MaxAttempts:    3,
			BackoffDelayMS: 500,
			HistorySize:    10000,
		},
		Risk: RiskConfig{
			WarningRatio:    0.8,
			SweepIntervalMS: 30000,
		},
		Backtest: BacktestConfig{
			ClearingTolerance: 0.10,
			PriceBandWidth:    10,
		},
		Cache: CacheConfig{
			TTLSeconds: 60,
			MaxSizeMB:  64,
		},
		Feed: FeedConfig{
			Streams:     []string{"vpp:snapshots"},
			EventStream: "vpp:events",
			QueueSize:   1024,
		},
		Kafka: KafkaConfig{
			Topic: "vpp.strategy-events",
		},
		Webhook: WebhookConfig{
			TimeoutMS: 5000,
		},
		Predictor: PredictorConfig{
			TimeoutMS: 2000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by STRATEGY_CONFIG_FILE, then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STRATEGY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)
	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnvInt("REDIS_PORT", c.RedisPort)
	c.LogLevel = getEnv("STRATEGY_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("STRATEGY_LOG_FILE", c.LogFile)
	c.HTTPAddr = getEnv("STRATEGY_HTTP_ADDR", c.HTTPAddr)
	c.DryRun = getEnvBool("STRATEGY_DRY_RUN", c.DryRun)

	c.Executor.MaxConcurrent = getEnvInt("MAX_CONCURRENT_EXECUTIONS", c.Executor.MaxConcurrent)
	c.Executor.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.Executor.MaxAttempts)
	c.Executor.BackoffDelayMS = getEnvInt("BACKOFF_DELAY_MS", c.Executor.BackoffDelayMS)

	c.Risk.MaxDailyLoss = getEnvFloat("RISK_MAX_DAILY_LOSS", c.Risk.MaxDailyLoss)
	c.Risk.MaxPositionSize = getEnvFloat("RISK_MAX_POSITION_SIZE", c.Risk.MaxPositionSize)
	c.Risk.MinCashReserve = getEnvFloat("RISK_MIN_CASH_RESERVE", c.Risk.MinCashReserve)
	c.Risk.MaxDrawdown = getEnvFloat("RISK_MAX_DRAWDOWN", c.Risk.MaxDrawdown)
	c.Risk.WarningRatio = getEnvFloat("RISK_WARNING_RATIO", c.Risk.WarningRatio)
	c.Risk.SweepIntervalMS = getEnvInt("RISK_SWEEP_INTERVAL_MS", c.Risk.SweepIntervalMS)
	c.Risk.InitialCash = getEnvFloat("RISK_INITIAL_CASH", c.Risk.InitialCash)

	c.Backtest.ClearingTolerance = getEnvFloat("CLEARING_TOLERANCE", c.Backtest.ClearingTolerance)
	c.Backtest.UnitCost = getEnvFloat("UNIT_COST_CONSTANT", c.Backtest.UnitCost)
	c.Backtest.PriceBandWidth = getEnvFloat("PRICE_BAND_WIDTH", c.Backtest.PriceBandWidth)

	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if streams := getEnv("FEED_STREAMS", ""); streams != "" {
		c.Feed.Streams = splitList(streams)
	}
	c.Feed.EventStream = getEnv("EVENT_STREAM", c.Feed.EventStream)

	c.Webhook.URL = getEnv("ALERT_WEBHOOK_URL", c.Webhook.URL)
	c.Predictor.ModelPath = getEnv("PREDICTOR_MODEL_PATH", c.Predictor.ModelPath)
	c.Predictor.URL = getEnv("PREDICTOR_URL", c.Predictor.URL)
	c.Predictor.TimeoutMS = getEnvInt("PREDICTOR_TIMEOUT_MS", c.Predictor.TimeoutMS)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Executor.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("executor.max_concurrent_executions must be positive"))
	}
	if c.Executor.MaxAttempts <= 0 {
		errs = append(errs, errors.New("executor.max_attempts must be positive"))
	}
	if c.Executor.BackoffDelayMS < 0 {
		errs = append(errs, errors.New("executor.backoff_delay_ms must not be negative"))
	}
	if c.Risk.MaxDailyLoss < 0 || c.Risk.MaxPositionSize < 0 || c.Risk.MinCashReserve < 0 || c.Risk.MaxDrawdown < 0 {
		errs = append(errs, errors.New("risk limits must not be negative"))
	}
	if c.Risk.WarningRatio <= 0 || c.Risk.WarningRatio > 1 {
		errs = append(errs, errors.New("risk.warning_ratio must be in (0, 1]"))
	}
	if c.Backtest.ClearingTolerance <= 0 || c.Backtest.ClearingTolerance > 1 {
		errs = append(errs, errors.New("backtest.clearing_tolerance must be in (0, 1]"))
	}
	if c.Backtest.UnitCost < 0 {
		errs = append(errs, errors.New("backtest.unit_cost_constant must not be negative"))
	}
	if c.Backtest.PriceBandWidth <= 0 {
		errs = append(errs, errors.New("backtest.price_band_width must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func buildPostgresURL() string {
	host := getEnv("POSTGRES_HOST", "postgres")
	db := getEnv("POSTGRES_DB", "vpp_trading")
	user := getEnv("POSTGRES_USER", "trading")
	pass := getEnv("POSTGRES_PASSWORD", "changeme123")

	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, pass, host, db)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
