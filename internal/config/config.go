package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	Security      SecurityConfig      `json:"security"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Notifications NotificationsConfig `json:"notifications"`
	Platform      PlatformConfig      `json:"platform"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig holds the coordination store configuration. When Addr is
// empty the in-memory lock and cache implementations are used instead.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 10MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// NotificationsConfig holds pipeline tuning knobs.
type NotificationsConfig struct {
	// Minutes before an idle cart is evaluated when the tenant has no
	// override configured.
	DefaultCountdownMinutes int `json:"default_countdown_minutes"`
	// Agent integration UUID that is administratively paused.
	BlockedAgentUUID string `json:"blocked_agent_uuid"`
}

// PlatformConfig holds the outbound service endpoints and credentials.
type PlatformConfig struct {
	CommerceToken      string `json:"commerce_token"`
	FlowsBaseURL       string `json:"flows_base_url"`
	CodeActionsBaseURL string `json:"code_actions_base_url"`
	AgentsBaseURL      string `json:"agents_base_url"`
	ServiceToken       string `json:"service_token"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./retail_notifications.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 10<<20), // 10MB default
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Notifications: NotificationsConfig{
			DefaultCountdownMinutes: getEnvInt("DEFAULT_COUNTDOWN_MINUTES", 25),
			BlockedAgentUUID:        getEnv("BLOCKED_AGENT_UUID", ""),
		},
		Platform: PlatformConfig{
			CommerceToken:      getEnv("COMMERCE_TOKEN", ""),
			FlowsBaseURL:       getEnv("FLOWS_BASE_URL", ""),
			CodeActionsBaseURL: getEnv("CODE_ACTIONS_BASE_URL", ""),
			AgentsBaseURL:      getEnv("AGENTS_BASE_URL", ""),
			ServiceToken:       getEnv("SERVICE_TOKEN", ""),
			TimeoutSeconds:     getEnvInt("PLATFORM_TIMEOUT_SECONDS", 30),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = d
		}
	}
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Security.AllowedOrigins = origins
	}
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = enabled == "true" || enabled == "1"
	}
	if rate := os.Getenv("RATE_LIMIT_RATE"); rate != "" {
		if r, err := strconv.Atoi(rate); err == nil {
			cfg.RateLimit.Rate = r
		}
	}
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		if w, err := strconv.Atoi(window); err == nil {
			cfg.RateLimit.Window = w
		}
	}
	if countdown := os.Getenv("DEFAULT_COUNTDOWN_MINUTES"); countdown != "" {
		if c, err := strconv.Atoi(countdown); err == nil {
			cfg.Notifications.DefaultCountdownMinutes = c
		}
	}
	if blocked := os.Getenv("BLOCKED_AGENT_UUID"); blocked != "" {
		cfg.Notifications.BlockedAgentUUID = blocked
	}
	if token := os.Getenv("COMMERCE_TOKEN"); token != "" {
		cfg.Platform.CommerceToken = token
	}
	if flows := os.Getenv("FLOWS_BASE_URL"); flows != "" {
		cfg.Platform.FlowsBaseURL = flows
	}
	if actions := os.Getenv("CODE_ACTIONS_BASE_URL"); actions != "" {
		cfg.Platform.CodeActionsBaseURL = actions
	}
	if agents := os.Getenv("AGENTS_BASE_URL"); agents != "" {
		cfg.Platform.AgentsBaseURL = agents
	}
	if token := os.Getenv("SERVICE_TOKEN"); token != "" {
		cfg.Platform.ServiceToken = token
	}
	if timeout := os.Getenv("PLATFORM_TIMEOUT_SECONDS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			cfg.Platform.TimeoutSeconds = t
		}
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Notifications.DefaultCountdownMinutes <= 0 {
		return fmt.Errorf("default countdown must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	return nil
}
