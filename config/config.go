package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// 数据库驱动
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// 限流策略
const (
	RateLimitTokenBucket   = "token_bucket"
	RateLimitSlidingWindow = "sliding_window"
)

// Config 服务配置，全部来自环境变量
type Config struct {
	ServiceName string
	Port        string
	Env         string
	LogLevel    slog.Level

	Database  DatabaseConfig
	Redis     RedisConfig
	MQ        MQConfig
	RateLimit RateLimitConfig

	SessionCacheTTL time.Duration
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	AdminKey        string
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SQLitePath   string
	AutoMigrate  bool
	Seed         bool
	MaxOpenConns int
	MaxIdleConns int
}

// DSN MySQL连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// MQConfig 事件中转与评分汇总队列配置
type MQConfig struct {
	Driver      string
	Channel     string
	NameServers []string
	Group       string
	RollupQueue bool
}

// RateLimitConfig 投票接口限流配置
type RateLimitConfig struct {
	Enabled  bool
	Strategy string
	RPS      int
	Burst    int
	Window   time.Duration
}

// Load 读取并校验配置
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "talk-voting"),
		Port:        getEnv("SERVER_PORT", "8080"),
		Env:         getEnv("APP_ENV", "development"),
		Database: DatabaseConfig{
			Driver:       strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			Host:         getEnv("DB_HOST", "127.0.0.1"),
			Port:         getEnv("DB_PORT", "3306"),
			User:         getEnv("DB_USER", "voteuser"),
			Password:     getEnv("DB_PASSWORD", "votepassword"),
			Name:         getEnv("DB_NAME", "votingdb"),
			SQLitePath:   getEnv("SQLITE_PATH", "voting.db"),
			AutoMigrate:  envBool("DB_AUTO_MIGRATE", true),
			Seed:         envBool("DB_SEED", false),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:  envBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		MQ: MQConfig{
			Driver:      strings.ToLower(getEnv("MQ_DRIVER", "local")),
			Channel:     getEnv("MQ_CHANNEL", "voting_events"),
			NameServers: envList("ROCKETMQ_NAMESERVERS", nil),
			Group:       getEnv("ROCKETMQ_GROUP", "voting_relay"),
			RollupQueue: envBool("ROLLUP_QUEUE_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:  envBool("RATE_LIMIT_ENABLED", true),
			Strategy: strings.ToLower(getEnv("RATE_LIMIT_STRATEGY", RateLimitTokenBucket)),
			RPS:      envInt("RATE_LIMIT_RPS", 5),
			Burst:    envInt("RATE_LIMIT_BURST", 10),
			Window:   envDuration("RATE_LIMIT_WINDOW", time.Second),
		},
		SessionCacheTTL: envDuration("SESSION_CACHE_TTL", 10*time.Minute),
		CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Minute),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		AllowedOrigins:  envList("ALLOWED_ORIGINS", []string{"*"}),
		AdminKey:        getEnv("ADMIN_KEY", ""),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.MQ.Driver {
	case "local", "redis", "rocketmq":
	default:
		return fmt.Errorf("unsupported MQ_DRIVER %q", c.MQ.Driver)
	}
	if c.MQ.Driver == "rocketmq" && len(c.MQ.NameServers) == 0 {
		return fmt.Errorf("ROCKETMQ_NAMESERVERS is required when MQ_DRIVER=rocketmq")
	}
	switch c.RateLimit.Strategy {
	case RateLimitTokenBucket, RateLimitSlidingWindow:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STRATEGY %q", c.RateLimit.Strategy)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// envList 逗号分隔的列表，空项被忽略
func envList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
