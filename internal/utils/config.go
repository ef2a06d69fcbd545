package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort  string
	JWTSecret   string
	SessionTTL  time.Duration
	PresetsFile string
	RateLimit   float64
	HuggingFace HuggingFaceConfig
	Cache       CacheConfig
	Postgres    PostgresConfig
	Mongo       MongoConfig
	Analytics   AnalyticsConfig
	Logging     LoggingConfig
}

type HuggingFaceConfig struct {
	APIToken       string
	APIBase        string
	DefaultModel   string
	Models         []string
	Timeout        time.Duration
	LoadingWait    time.Duration
	LoadingRetries int
}

// GenerationBudget bounds one generation including every loading retry.
func (h HuggingFaceConfig) GenerationBudget() time.Duration {
	retries := max(0, h.LoadingRetries)
	return time.Duration(retries+1)*h.Timeout + time.Duration(retries)*h.LoadingWait
}

// ModelURL returns the inference endpoint for the given model id.
func (h HuggingFaceConfig) ModelURL(model string) string {
	return strings.TrimRight(h.APIBase, "/") + "/" + strings.TrimLeft(model, "/")
}

type CacheConfig struct {
	Driver   string
	Size     int
	TTL      time.Duration
	RedisURL string
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// Enabled reports whether any connection settings were supplied.
func (c PostgresConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type AnalyticsConfig struct {
	Enabled      bool
	SummaryLimit int
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

// LoadConfig reads the environment and validates the result.
func LoadConfig() (*Config, error) {
	cfg := ReadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig reads the environment without validation. Tools that only need
// the stores use it directly.
func ReadConfig() *Config {
	port := envOrDefault("PORT", "8080")
	jwtSecret := envOrDefault("JWT_SECRET", "dev-secret")

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	logging := LoggingConfig{
		Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
		Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
		EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
		ServiceName:  envOrDefault("SERVICE_NAME", "je-chat"),
	}

	defaultModel := envOrDefault("HF_MODEL", "HuggingFaceH4/zephyr-7b-beta")
	models := parseList(os.Getenv("HF_MODELS"))
	if !contains(models, defaultModel) {
		models = append([]string{defaultModel}, models...)
	}

	return &Config{
		ServerPort:  port,
		JWTSecret:   jwtSecret,
		SessionTTL:  parseDuration(envOrDefault("SESSION_TTL", "24h"), 24*time.Hour),
		PresetsFile: envOrDefault("PRESETS_FILE", "config.yaml"),
		RateLimit:   parseFloat(envOrDefault("RATE_LIMIT_PER_MINUTE", "30"), 30),
		HuggingFace: HuggingFaceConfig{
			APIToken:       firstEnv("HUGGINGFACEHUB_API_TOKEN", "HUGGINGFACE_API_TOKEN", "HF_TOKEN"),
			APIBase:        envOrDefault("HF_API_BASE", "https://api-inference.huggingface.co/models"),
			DefaultModel:   defaultModel,
			Models:         models,
			Timeout:        parseDuration(envOrDefault("HF_TIMEOUT", "180s"), 180*time.Second),
			LoadingWait:    parseDuration(envOrDefault("HF_LOADING_RETRY_WAIT", "10s"), 10*time.Second),
			LoadingRetries: parseInt(envOrDefault("HF_LOADING_RETRIES", "1"), 1),
		},
		Cache: CacheConfig{
			Driver:   strings.ToLower(envOrDefault("CACHE_DRIVER", "memory")),
			Size:     parseInt(envOrDefault("CACHE_SIZE", "512"), 512),
			TTL:      parseDuration(envOrDefault("CACHE_TTL", "1h"), time.Hour),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              os.Getenv("POSTGRES_HOST"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          os.Getenv("POSTGRES_PASSWORD"),
			Database:          envOrDefault("POSTGRES_DB", "postgres"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            os.Getenv("MONGO_URI"),
			Database:       envOrDefault("MONGO_DATABASE", "je_chat"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Analytics: AnalyticsConfig{
			Enabled:      parseBool(envOrDefault("ANALYTICS_ENABLED", "false"), false),
			SummaryLimit: parseInt(envOrDefault("ANALYTICS_SUMMARY_LIMIT", "500"), 500),
		},
		Logging: logging,
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	missing := make([]string, 0, 2)

	if strings.TrimSpace(c.HuggingFace.APIToken) == "" {
		missing = append(missing, "HUGGINGFACEHUB_API_TOKEN")
	}
	if c.Cache.Driver == "redis" && strings.TrimSpace(c.Cache.RedisURL) == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.Cache.Driver {
	case "memory", "redis", "noop":
	default:
		return fmt.Errorf("config: unknown CACHE_DRIVER %q", c.Cache.Driver)
	}

	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || i < 0 {
		return fallback
	}
	return i
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" || contains(result, trimmed) {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
