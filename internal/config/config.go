package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/consult-core/internal/model"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Audit     AuditConfig     `mapstructure:"audit"`
	SLA       SLAConfig       `mapstructure:"sla"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	MetricsPort    int `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store is for local runs.
	Driver             string `mapstructure:"driver"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	Name               string `mapstructure:"name"`
	SSLMode            string `mapstructure:"sslmode"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	StatementTimeoutMs int    `mapstructure:"statement_timeout_ms"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`

	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type WorkflowConfig struct {
	MaxTransitionRetries int `mapstructure:"max_transition_retries"`
}

type SafetyConfig struct {
	InteractionCacheTTL time.Duration `mapstructure:"interaction_cache_ttl"`
	MaxMgPerKg          float64       `mapstructure:"max_mg_per_kg"`
}

type AuditConfig struct {
	PageSize            int           `mapstructure:"page_size"`
	ReadVolumeWindow    time.Duration `mapstructure:"read_volume_window"`
	ReadVolumeThreshold int           `mapstructure:"read_volume_threshold"`
}

type SLAConfig struct {
	SweepInterval     time.Duration     `mapstructure:"sweep_interval"`
	SweepBatchSize    int               `mapstructure:"sweep_batch_size"`
	LockTTL           time.Duration     `mapstructure:"lock_ttl"`
	DistributedLock   bool              `mapstructure:"distributed_lock"`
	ThresholdsMinutes map[string]int    `mapstructure:"thresholds_minutes"`
	EscalationTargets map[string]string `mapstructure:"escalation_targets"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Lease         time.Duration `mapstructure:"lease"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Channel       string        `mapstructure:"channel"`
	Retention     time.Duration `mapstructure:"retention"`
}

// envOverrides are deployment secrets and hosts read from CONSULT_* variables.
type envOverrides struct {
	Port       int    `envconfig:"PORT"`
	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME"`
	RedisURL   string `envconfig:"REDIS_URL"`
	JWTSecret  string `envconfig:"JWT_SECRET"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeoutSeconds", 30)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.statement_timeout_ms", 5000)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", "100ms")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.breaker_failures", 5)
	v.SetDefault("redis.breaker_timeout", "30s")
	v.SetDefault("jwt.issuer", "consult-core")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("workflow.max_transition_retries", 3)
	v.SetDefault("safety.interaction_cache_ttl", "10m")
	v.SetDefault("safety.max_mg_per_kg", 0)
	v.SetDefault("audit.page_size", 500)
	v.SetDefault("audit.read_volume_window", "1h")
	v.SetDefault("audit.read_volume_threshold", 200)
	v.SetDefault("sla.sweep_interval", "1m")
	v.SetDefault("sla.sweep_batch_size", 500)
	v.SetDefault("sla.lock_ttl", "55s")
	v.SetDefault("sla.distributed_lock", false)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", "500ms")
	v.SetDefault("outbox.lease", "30s")
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.channel", "consult.events")
	v.SetDefault("outbox.retention", "168h")
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("consult", &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	if env.DBHost != "" {
		c.Database.Host = env.DBHost
	}
	if env.DBPort != 0 {
		c.Database.Port = env.DBPort
	}
	if env.DBUser != "" {
		c.Database.User = env.DBUser
	}
	if env.DBPassword != "" {
		c.Database.Password = env.DBPassword
	}
	if env.DBName != "" {
		c.Database.Name = env.DBName
	}
	if env.RedisURL != "" {
		c.Redis.URL = env.RedisURL
	}
	if env.JWTSecret != "" {
		c.JWT.Secret = env.JWTSecret
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	return nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	for k, m := range c.SLA.ThresholdsMinutes {
		if !model.Urgency(k).Valid() {
			return fmt.Errorf("sla.thresholds_minutes: unknown urgency %q", k)
		}
		if m <= 0 {
			return fmt.Errorf("sla.thresholds_minutes.%s must be positive", k)
		}
	}
	for k := range c.SLA.EscalationTargets {
		if !model.Urgency(k).Valid() {
			return fmt.Errorf("sla.escalation_targets: unknown urgency %q", k)
		}
	}
	if c.SLA.SweepInterval <= 0 {
		return fmt.Errorf("sla.sweep_interval must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.batch_size and outbox.poll_interval must be positive")
	}
	return nil
}

// Thresholds merges configured SLA thresholds over the defaults.
func (c SLAConfig) Thresholds() model.SLAThresholds {
	th := model.DefaultSLAThresholds()
	for k, m := range c.ThresholdsMinutes {
		th[model.Urgency(k)] = m
	}
	return th
}

// Targets returns the configured escalation targets keyed by urgency.
func (c SLAConfig) Targets() map[model.Urgency]string {
	out := make(map[model.Urgency]string, len(c.EscalationTargets))
	for k, t := range c.EscalationTargets {
		out[model.Urgency(k)] = t
	}
	return out
}
