package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`
	LogPretty bool  `yaml:"log_pretty"`

	MySQLDSN      string `yaml:"mysql_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	JWTSecret string `yaml:"jwt_secret"`

	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SweepBatchSize  int           `yaml:"sweep_batch_size"`
	SweepWorkers    int           `yaml:"sweep_workers"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
	GatewayAttempts int           `yaml:"gateway_attempts"`
	GatewayBackoff  time.Duration `yaml:"gateway_backoff"`

	GatewayKind        string `yaml:"gateway_kind"`
	GatewayURL         string `yaml:"gateway_url"`
	GatewayAPIKey      string `yaml:"gateway_api_key"`
	GatewayAutoConfirm bool   `yaml:"gateway_auto_confirm"`
	Currency           string `yaml:"currency"`
	SuccessURL         string `yaml:"success_url"`
	CancelURL          string `yaml:"cancel_url"`

	VoucherValidity        time.Duration            `yaml:"voucher_validity"`
	VoucherValidityPerKind map[string]time.Duration `yaml:"voucher_validity_per_kind"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	AMQPURL      string   `yaml:"amqp_url"`
	AMQPQueue    string   `yaml:"amqp_queue"`
	EventBuffer  int      `yaml:"event_buffer"`
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		LogLevel:        "info",
		ReservationTTL:  10 * time.Minute,
		SweepInterval:   30 * time.Second,
		SweepBatchSize:  200,
		SweepWorkers:    8,
		IdempotencyTTL:  24 * time.Hour,
		GatewayAttempts: 3,
		GatewayBackoff:  200 * time.Millisecond,
		GatewayKind:     "fake",
		Currency:        "usd",
		SuccessURL:      "http://localhost:3000/purchase/success",
		CancelURL:       "http://localhost:3000/purchase/cancel",
		VoucherValidity: 72 * time.Hour,
		KafkaTopic:      "flash-sale-events",
		AMQPQueue:       "flash-sale.events",
		EventBuffer:     1024,
	}
}

// Load reads .env (optional), then the YAML file named by CONFIG_FILE
// (optional), then applies environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = envStr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envStr("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = envBool("LOG_PRETTY", cfg.LogPretty)

	cfg.MySQLDSN = envStr("MYSQL_DSN", cfg.MySQLDSN)
	cfg.RedisAddr = envStr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envStr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)

	cfg.JWTSecret = strings.TrimSpace(envStr("JWT_SECRET", cfg.JWTSecret))

	cfg.ReservationTTL = envDur("RESERVATION_TTL", cfg.ReservationTTL)
	cfg.SweepInterval = envDur("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.SweepWorkers = envInt("SWEEP_WORKERS", cfg.SweepWorkers)
	cfg.IdempotencyTTL = envDur("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.GatewayAttempts = envInt("GATEWAY_ATTEMPTS", cfg.GatewayAttempts)
	cfg.GatewayBackoff = envDur("GATEWAY_BACKOFF", cfg.GatewayBackoff)

	cfg.GatewayKind = strings.ToLower(envStr("GATEWAY_KIND", cfg.GatewayKind))
	cfg.GatewayURL = envStr("GATEWAY_URL", cfg.GatewayURL)
	cfg.GatewayAPIKey = envStr("GATEWAY_API_KEY", cfg.GatewayAPIKey)
	cfg.GatewayAutoConfirm = envBool("GATEWAY_AUTO_CONFIRM", cfg.GatewayAutoConfirm)
	cfg.Currency = strings.ToLower(envStr("CURRENCY", cfg.Currency))
	cfg.SuccessURL = envStr("SUCCESS_URL", cfg.SuccessURL)
	cfg.CancelURL = envStr("CANCEL_URL", cfg.CancelURL)
	cfg.VoucherValidity = envDur("VOUCHER_VALIDITY", cfg.VoucherValidity)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.KafkaTopic = envStr("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.AMQPURL = envStr("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPQueue = envStr("AMQP_QUEUE", cfg.AMQPQueue)
	cfg.EventBuffer = envInt("EVENT_BUFFER", cfg.EventBuffer)
}

func (c Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be set and at least 32 characters")
	}
	if c.ReservationTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("reservation ttl and sweep interval must be positive")
	}
	if c.GatewayAttempts < 1 {
		return fmt.Errorf("gateway attempts must be at least 1")
	}
	switch c.GatewayKind {
	case "fake":
	case "http":
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required for the http gateway")
		}
	default:
		return fmt.Errorf("unknown gateway kind %q", c.GatewayKind)
	}
	return nil
}

// VoucherValidityFor returns the voucher lifetime policy for a sale kind.
func (c Config) VoucherValidityFor(kind string) time.Duration {
	if d, ok := c.VoucherValidityPerKind[kind]; ok && d > 0 {
		return d
	}
	return c.VoucherValidity
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
