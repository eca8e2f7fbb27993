package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	okxAPIKeyENV      = "OKX_API_KEY"
	okxAPISecretENV   = "OKX_API_SECRET"
	okxPassphraseENV  = "OKX_PASSPHRASE"
	redisAddrENV      = "REDIS_ADDR"
)

type OKX struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
	RestURL    string `yaml:"rest_url"`
	WSURL      string `yaml:"ws_url"`
	// заголовок x-simulated-trading: 1 для демо-счёта
	Simulated bool `yaml:"simulated"`
	// OKX не отдаёт минимальный номинал ордера
	MinNotional float64 `yaml:"min_notional"`
}

type DB struct {
	Driver     string `yaml:"driver"` // postgres | sqlite
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type Redis struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

type Engine struct {
	AccountID              string        `yaml:"account_id"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	CheckpointInterval     time.Duration `yaml:"checkpoint_interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BreakerCooldown        time.Duration `yaml:"breaker_cooldown"`
	FatalMultiplier        int           `yaml:"fatal_multiplier"`
	VirtualPositionFrac    float64       `yaml:"virtual_position_fraction"`
	CacheSize              int           `yaml:"cache_size"`
	BackfillLimit          int           `yaml:"backfill_limit"`
	KlineFallbackLimit     int           `yaml:"kline_fallback_limit"`
	MinNotionalFallback    bool          `yaml:"min_notional_fallback"`
	OffloadEvaluation      bool          `yaml:"offload_evaluation"`
	Workers                int           `yaml:"workers"`
	DefaultTimeframe       string        `yaml:"default_timeframe"`
	LogRingSize            int           `yaml:"log_ring_size"`
}

type Stream struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelayMultiplier   int           `yaml:"max_delay_multiplier"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

type Telegram struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type Health struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Tracing struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
}

// Config ...
type Config struct {
	OKX      OKX      `yaml:"okx"`
	DB       DB       `yaml:"db"`
	Redis    Redis    `yaml:"redis"`
	Engine   Engine   `yaml:"engine"`
	Stream   Stream   `yaml:"stream"`
	Telegram Telegram `yaml:"telegram"`
	Health   Health   `yaml:"health"`
	Log      Log      `yaml:"log"`
	Tracing  Tracing  `yaml:"tracing"`
}

// Default значения по умолчанию с учётом переменных окружения.
func Default() Config {
	return Config{
		OKX: OKX{
			RestURL:     getenvDefault("OKX_REST_URL", "https://www.okx.com"),
			WSURL:       getenvDefault("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/business"),
			Simulated:   boolFromEnv("OKX_SIMULATED", false),
			MinNotional: floatFromEnv("OKX_MIN_NOTIONAL", 5),
		},
		DB: DB{
			Driver:     getenvDefault("DB_DRIVER", "sqlite"),
			SQLitePath: getenvDefault("SQLITE_PATH", "data/engine.db"),
		},
		Redis: Redis{
			Enabled:     boolFromEnv("REDIS_ENABLED", false),
			Addr:        "localhost:6379",
			SnapshotTTL: durationFromEnv("REDIS_SNAPSHOT_TTL", "30m"),
		},
		Engine: Engine{
			AccountID:              getenvDefault("ACCOUNT_ID", "default"),
			PollInterval:           durationFromEnv("POLL_INTERVAL", "5s"),
			CheckpointInterval:     durationFromEnv("CHECKPOINT_INTERVAL", "30s"),
			MaxConsecutiveFailures: intFromEnv("MAX_CONSECUTIVE_FAILURES", 5),
			BreakerCooldown:        durationFromEnv("BREAKER_COOLDOWN", "60s"),
			FatalMultiplier:        intFromEnv("FATAL_MULTIPLIER", 2),
			VirtualPositionFrac:    floatFromEnv("VIRTUAL_POSITION_FRACTION", 0.01),
			CacheSize:              intFromEnv("CACHE_SIZE", 500),
			BackfillLimit:          intFromEnv("BACKFILL_LIMIT", 500),
			KlineFallbackLimit:     intFromEnv("KLINE_FALLBACK_LIMIT", 100),
			MinNotionalFallback:    boolFromEnv("MIN_NOTIONAL_FALLBACK", true),
			OffloadEvaluation:      boolFromEnv("OFFLOAD_EVALUATION", false),
			Workers:                intFromEnv("ENGINE_WORKERS", 1),
			DefaultTimeframe:       getenvDefault("TIMEFRAME", "5m"),
			LogRingSize:            intFromEnv("LOG_RING_SIZE", 500),
		},
		Stream: Stream{
			MaxReconnectAttempts: intFromEnv("WS_MAX_RECONNECT", 10),
			BaseDelay:            durationFromEnv("WS_BASE_DELAY", "5s"),
			MaxDelayMultiplier:   intFromEnv("WS_MAX_DELAY_MULTIPLIER", 5),
			PingInterval:         durationFromEnv("WS_PING_INTERVAL", "20s"),
		},
		Health: Health{Addr: getenvDefault("HEALTH_ADDR", ":8080")},
		Log: Log{
			Level:      getenvDefault("LOG_LEVEL", "info"),
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Tracing: Tracing{Host: "localhost", Port: "6831"},
	}
}

func NewConfig() (*Config, error) {
	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	return Load(getenvDefault(configDirENV, "configs") + "/" + configFileName)
}

// Load читает YAML поверх значений по умолчанию. Нет файла, остаются значения по умолчанию.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config.Load: %w", err)
	default:
		defer func() {
			_ = file.Close()
		}()
		if err := Decode(file, &config); err != nil {
			return nil, err
		}
	}

	applyEnv(&config)
	return &config, nil
}

func Decode(r io.Reader, config *Config) error {
	err := yaml.NewDecoder(r).Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config.Decode: %w", err)
	}
	return nil
}

func applyEnv(config *Config) {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.DB.DSN = dsn
	}
	if v := os.Getenv(okxAPIKeyENV); v != "" {
		config.OKX.APIKey = v
	}
	if v := os.Getenv(okxAPISecretENV); v != "" {
		config.OKX.APISecret = v
	}
	if v := os.Getenv(okxPassphraseENV); v != "" {
		config.OKX.Passphrase = v
	}
	if v := os.Getenv(redisAddrENV); v != "" {
		config.Redis.Addr = v
		config.Redis.Enabled = true
	}
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
