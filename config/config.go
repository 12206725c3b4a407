package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stayuptodo-laundry/internal/model"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Registry   RegistryConfig   `yaml:"registry"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port" validate:"gt=0,lte=65535"`
	RequestIPHeader string   `yaml:"request_ip_header"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec" validate:"gte=0"`
	RateLimitBurst  int      `yaml:"rate_limit_burst" validate:"gte=0"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds" validate:"gte=0"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// LoggingConfig selects the slog handler and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// DatabaseConfig holds the database connection configuration. With Enabled
// false the registry and checkpoint live in memory only.
type DatabaseConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Driver                 string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN                    string `yaml:"dsn" validate:"required_if=Enabled true"`
	MaxOpenConns           int    `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" validate:"gte=0"`
	LogLevel               string `yaml:"log_level" validate:"oneof=silent error warn info"`
}

// RegistryConfig controls the machine registry and bulk initialization.
type RegistryConfig struct {
	// Layout names a preset; Blocks, when set, replaces the preset.
	Layout                string              `yaml:"layout"`
	Blocks                []model.BlockLayout `yaml:"blocks"`
	InitializeOnStart     bool                `yaml:"initialize_on_start"`
	RecordUnchangedStatus bool                `yaml:"record_unchanged_status"`
}

// MonitorConfig holds the chat ingestion loop settings.
type MonitorConfig struct {
	Enabled               bool          `yaml:"enabled"`
	IntervalSeconds       int           `yaml:"interval_seconds" validate:"gte=0"`
	Interval              time.Duration `yaml:"-"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds" validate:"gte=0"`
	// ConfidenceThreshold is a pointer so an explicit 0 (apply everything)
	// is kept; only an absent value takes the default.
	ConfidenceThreshold *float64 `yaml:"confidence_threshold" validate:"omitempty,gte=0,lte=1"`
	AutomatedUser       string   `yaml:"automated_user" validate:"max=128"`
	MessageLimit        int      `yaml:"message_limit" validate:"gte=0,lte=1024"`
	CheckpointName      string   `yaml:"checkpoint_name"`
	// FilterShorthand lets a bare machine id ("55W4") pass the relevance
	// filter without a washer/dryer word.
	FilterShorthand bool `yaml:"filter_shorthand"`
}

// TelegramConfig holds the Bot API credentials and the watched chat.
type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	ChatID         int64  `yaml:"chat_id"`
	TopicID        int    `yaml:"topic_id"`
	Limit          int    `yaml:"limit" validate:"gte=0,lte=100"`
	APIEndpoint    string `yaml:"api_endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
}

// ExtractionConfig configures the OpenAI-compatible interpreter.
type ExtractionConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url" validate:"omitempty,url"`
	Model          string  `yaml:"model"`
	Temperature    float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int     `yaml:"max_tokens" validate:"gte=0"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"gte=0"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and variables already set win.
func LoadEnvFiles(files ...string) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: failed to load %s: %v", f, err)
		}
	}
}

// Load reads the configuration from the given path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
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

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 5
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Registry.Layout == "" {
		cfg.Registry.Layout = model.LayoutDocumented
	}

	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = 30
	}
	cfg.Monitor.Interval = time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	if cfg.Monitor.RequestTimeoutSeconds <= 0 {
		cfg.Monitor.RequestTimeoutSeconds = 15
	}
	if cfg.Monitor.ConfidenceThreshold == nil {
		threshold := 0.7
		cfg.Monitor.ConfidenceThreshold = &threshold
	}
	if cfg.Monitor.AutomatedUser == "" {
		cfg.Monitor.AutomatedUser = "telegram-monitor"
	}
	if cfg.Monitor.MessageLimit <= 0 {
		cfg.Monitor.MessageLimit = 200
	}
	if cfg.Monitor.CheckpointName == "" {
		cfg.Monitor.CheckpointName = "telegram"
	}

	if cfg.Telegram.Limit <= 0 {
		cfg.Telegram.Limit = 100
	}
	if cfg.Telegram.TimeoutSeconds <= 0 {
		cfg.Telegram.TimeoutSeconds = 10
	}

	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "gpt-4o-mini"
	}
	if cfg.Extraction.MaxTokens <= 0 {
		cfg.Extraction.MaxTokens = 150
	}
	if cfg.Extraction.TimeoutSeconds <= 0 {
		cfg.Extraction.TimeoutSeconds = 15
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 100
	}
}

// applyEnv lets secrets and chat ids come from the environment instead of the
// YAML file.
func applyEnv(cfg *Config) error {
	setString(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Extraction.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Push.PublicKey, "VAPID_PUBLIC_KEY")
	setString(&cfg.Push.PrivateKey, "VAPID_PRIVATE_KEY")

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	if v := os.Getenv("TELEGRAM_TOPIC_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TELEGRAM_TOPIC_ID: %w", err)
		}
		cfg.Telegram.TopicID = id
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks field constraints and the cross-section requirements of an
// enabled monitor.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if _, err := c.Registry.ResolveLayout(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Monitor.Enabled {
		if c.Telegram.BotToken == "" {
			return errors.New("validate config: telegram.bot_token is required when the monitor is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return errors.New("validate config: telegram.chat_id is required when the monitor is enabled")
		}
		if c.Extraction.APIKey == "" {
			return errors.New("validate config: extraction.api_key is required when the monitor is enabled")
		}
	}
	return nil
}

// ResolveLayout returns the custom block list when one is configured, and the
// named preset otherwise.
func (r RegistryConfig) ResolveLayout() (model.Layout, error) {
	if len(r.Blocks) > 0 {
		l := model.Layout{Name: "custom", Blocks: r.Blocks}
		return l, l.Validate()
	}
	l, ok := model.LayoutPreset(r.Layout)
	if !ok {
		return model.Layout{}, fmt.Errorf("unknown registry layout %q, expected one of %v", r.Layout, model.LayoutPresetNames())
	}
	return l, nil
}
