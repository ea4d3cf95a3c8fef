package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// CharHub Go Backend - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	CharHub CharHubConfig `yaml:"charhub"`
}

// CharHubConfig holds the settings for the Ledger/UsagePipeline/JobEngine/
// LLMBroker/SessionHub/MembershipCore stack (C1-C9): storage DSNs, the
// bearer-token secrets shared by SessionHub's WS handshake and
// MembershipCore's invite tokens, and the tunables called out in
// spec.md's own defaults (reservation TTL, worker counts).
type CharHubConfig struct {
	PostgresDSN        string   `yaml:"postgres_dsn"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	SessionTokenSecret string   `yaml:"session_token_secret"`
	InviteTokenSecret  string   `yaml:"invite_token_secret"`
	LedgerWorkerCount  int      `yaml:"ledger_worker_count"`
	ReservationTTLSec  int      `yaml:"reservation_ttl_sec"`
	UsageMaxParallel   int      `yaml:"usage_max_parallel"`
	JobPollIntervalMS  int      `yaml:"job_poll_interval_ms"`
	JobWorkerCount     int      `yaml:"job_worker_count"`
	PlanGrantPollSec   int      `yaml:"plan_grant_poll_sec"`
	WSAllowedOrigins   []string `yaml:"ws_allowed_origins"`
	SupportedLanguages []string `yaml:"supported_languages"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file: (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("CHARHUB_ENV", c.Server.Env)
	c.Server.Interface = getEnv("CHARHUB_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// CharHub
	c.CharHub.PostgresDSN = getEnv("CHARHUB_POSTGRES_DSN", c.CharHub.PostgresDSN)
	c.CharHub.RedisAddr = getEnv("CHARHUB_REDIS_ADDR", c.CharHub.RedisAddr)
	c.CharHub.RedisPassword = getEnv("CHARHUB_REDIS_PASSWORD", c.CharHub.RedisPassword)
	if v := getEnvInt("CHARHUB_REDIS_DB", -1); v >= 0 {
		c.CharHub.RedisDB = v
	}
	c.CharHub.SessionTokenSecret = getEnv("CHARHUB_SESSION_TOKEN_SECRET", c.CharHub.SessionTokenSecret)
	c.CharHub.InviteTokenSecret = getEnv("CHARHUB_INVITE_TOKEN_SECRET", c.CharHub.InviteTokenSecret)
	if v := getEnvInt("CHARHUB_LEDGER_WORKER_COUNT", 0); v > 0 {
		c.CharHub.LedgerWorkerCount = v
	}
	if v := getEnvInt("CHARHUB_RESERVATION_TTL_SEC", 0); v > 0 {
		c.CharHub.ReservationTTLSec = v
	}
	if v := getEnvInt("CHARHUB_USAGE_MAX_PARALLEL", 0); v > 0 {
		c.CharHub.UsageMaxParallel = v
	}
	if v := getEnvInt("CHARHUB_JOB_POLL_INTERVAL_MS", 0); v > 0 {
		c.CharHub.JobPollIntervalMS = v
	}
	if v := getEnvInt("CHARHUB_JOB_WORKER_COUNT", 0); v > 0 {
		c.CharHub.JobWorkerCount = v
	}
	if v := getEnvInt("CHARHUB_PLAN_GRANT_POLL_SEC", 0); v > 0 {
		c.CharHub.PlanGrantPollSec = v
	}
	if origins := getEnv("CHARHUB_WS_ALLOWED_ORIGINS", ""); origins != "" {
		c.CharHub.WSAllowedOrigins = splitCSV(origins)
	}
	if langs := getEnv("CHARHUB_SUPPORTED_LANGUAGES", ""); langs != "" {
		c.CharHub.SupportedLanguages = splitCSV(langs)
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	// CharHub defaults
	if c.CharHub.RedisAddr == "" {
		c.CharHub.RedisAddr = "localhost:6379"
	}
	if c.CharHub.LedgerWorkerCount == 0 {
		c.CharHub.LedgerWorkerCount = 4
	}
	if c.CharHub.ReservationTTLSec == 0 {
		c.CharHub.ReservationTTLSec = 120
	}
	if c.CharHub.UsageMaxParallel == 0 {
		c.CharHub.UsageMaxParallel = 8
	}
	if c.CharHub.JobPollIntervalMS == 0 {
		c.CharHub.JobPollIntervalMS = 500
	}
	if c.CharHub.JobWorkerCount == 0 {
		c.CharHub.JobWorkerCount = 4
	}
	if c.CharHub.PlanGrantPollSec == 0 {
		c.CharHub.PlanGrantPollSec = 3600
	}
	if len(c.CharHub.WSAllowedOrigins) == 0 {
		c.CharHub.WSAllowedOrigins = []string{"*"}
	}
	if len(c.CharHub.SupportedLanguages) == 0 {
		c.CharHub.SupportedLanguages = []string{"en"}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

