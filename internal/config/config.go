// Package config manages application configuration from a YAML file,
// YUPOLINE_* environment variables, and default values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading and validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration. Values can be set through
// config.yaml or environment variables prefixed with YUPOLINE_
// (e.g. YUPOLINE_GEMINI_API_KEY).
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	LINE         LINEConfig         `mapstructure:"line"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr                string        `mapstructure:"addr"                  validate:"required"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"          validate:"min=1s"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"         validate:"min=1s"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"      validate:"min=1s"`
	MaxConcurrentEvents int           `mapstructure:"max_concurrent_events" validate:"min=1,max=100"`
}

// DatabaseConfig selects the SQL driver and pool settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"oneof=sqlite postgres"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SamplingConfig holds the generation knobs of one flow.
type SamplingConfig struct {
	Temperature      float32 `mapstructure:"temperature"       validate:"min=0,max=2"`
	TopP             float32 `mapstructure:"top_p"             validate:"min=0,max=1"`
	PresencePenalty  float32 `mapstructure:"presence_penalty"  validate:"min=-2,max=2"`
	FrequencyPenalty float32 `mapstructure:"frequency_penalty" validate:"min=-2,max=2"`
	MaxOutputTokens  int32   `mapstructure:"max_output_tokens" validate:"min=1"`
}

// GeminiConfig holds settings for the Gemini API client.
type GeminiConfig struct {
	APIKey       string         `mapstructure:"api_key"     validate:"required"`
	Model        string         `mapstructure:"model"       validate:"required"`
	Timeout      time.Duration  `mapstructure:"timeout"     validate:"min=1s,max=10m"`
	MaxRetries   int            `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay   time.Duration  `mapstructure:"retry_delay"`
	Fortune      SamplingConfig `mapstructure:"fortune"`
	Consultation SamplingConfig `mapstructure:"consultation"`
	Analysis     SamplingConfig `mapstructure:"analysis"`
}

// BotConfig holds the credentials of one LINE channel.
type BotConfig struct {
	DestinationID      string `mapstructure:"destination_id"`
	ChannelAccessToken string `mapstructure:"channel_access_token"`
	ChannelSecret      string `mapstructure:"channel_secret"`
}

// LINEConfig holds the LINE channels and client settings.
type LINEConfig struct {
	Fortune         BotConfig     `mapstructure:"fortune"`
	Business        BotConfig     `mapstructure:"business"`
	Timeout         time.Duration `mapstructure:"timeout"          validate:"min=1s"`
	MaxRetries      uint          `mapstructure:"max_retries"      validate:"max=10"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	VerifySignature bool          `mapstructure:"verify_signature"`
}

// AdminConfig protects the admin API. An empty key rejects every request.
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// ConversationConfig tunes the chat flows.
type ConversationConfig struct {
	StartKeyword        string        `mapstructure:"start_keyword"        validate:"required"`
	ConsultationKeyword string        `mapstructure:"consultation_keyword" validate:"required"`
	FortuneHistory      int           `mapstructure:"fortune_history"      validate:"min=1,max=50"`
	ConsultationHistory int           `mapstructure:"consultation_history" validate:"min=1,max=50"`
	AnalysisEvery       int           `mapstructure:"analysis_every"       validate:"min=1"`
	AnalysisTimeout     time.Duration `mapstructure:"analysis_timeout"     validate:"min=1s"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"          validate:"min=1m"`
}

// BroadcastConfig tunes broadcast delivery.
type BroadcastConfig struct {
	SendInterval time.Duration `mapstructure:"send_interval"`
	SweepTimeout time.Duration `mapstructure:"sweep_timeout" validate:"min=1s"`
}

// TaskConfig defines the configuration for a single scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedule.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// MessagesConfig holds the user-facing texts. Entries documented with a
// verb take fmt arguments.
type MessagesConfig struct {
	GeneralError        string `mapstructure:"general_error"        validate:"required"`
	FortuneWelcome      string `mapstructure:"fortune_welcome"      validate:"required"` // %s: display name
	AskBirthDate        string `mapstructure:"ask_birth_date"       validate:"required"`
	InvalidBirthDate    string `mapstructure:"invalid_birth_date"   validate:"required"`
	AskBloodType        string `mapstructure:"ask_blood_type"       validate:"required"`
	InvalidBloodType    string `mapstructure:"invalid_blood_type"   validate:"required"`
	AskCategory         string `mapstructure:"ask_category"         validate:"required"`
	InvalidCategory     string `mapstructure:"invalid_category"     validate:"required"`
	BirthDateUpdated    string `mapstructure:"birth_date_updated"   validate:"required"` // %s: date
	BloodTypeUpdated    string `mapstructure:"blood_type_updated"   validate:"required"` // %s: blood type
	ConsultationOpening string `mapstructure:"consultation_opening" validate:"required"`
	BusinessWelcome     string `mapstructure:"business_welcome"     validate:"required"` // %s: display name
	BusinessGreeting    string `mapstructure:"business_greeting"    validate:"required"` // %s: display name
}

// LoadConfig reads configuration from the file at path (optional), applies
// defaults and YUPOLINE_* environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("YUPOLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfiguration, path, err)
			}
			// Missing config file is okay, defaults and env apply.
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.LINE.Fortune.ChannelAccessToken == "" {
		return errors.New("line.fortune.channel_access_token is required")
	}
	if c.LINE.VerifySignature && c.LINE.Fortune.ChannelSecret == "" {
		return errors.New("line.fortune.channel_secret is required when line.verify_signature is enabled")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	for name, task := range c.Scheduler.Tasks {
		if task.Enabled && task.Schedule == "" {
			return fmt.Errorf("scheduler task %q is enabled but has no schedule", name)
		}
	}
	return nil
}
