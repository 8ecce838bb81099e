package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth" validate:"required"`
	LLM        LLMConfig        `mapstructure:"llm" validate:"required"`
	Poller     PollerConfig     `mapstructure:"poller" validate:"required"`
	Generation GenerationConfig `mapstructure:"generation" validate:"required"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Telephony  TelephonyConfig  `mapstructure:"telephony"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	Email      EmailConfig      `mapstructure:"email"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// Storage selects the persistence backend. "memory" runs the engine
	// without a database and loses all state on exit.
	Storage                string `mapstructure:"storage" validate:"required,oneof=postgres memory"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=1"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

// AuthConfig contains operator token settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	Issuer               string `mapstructure:"issuer" validate:"required"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gte=1"`
}

// LLMConfig contains the generative model settings.
type LLMConfig struct {
	GeminiAPIKey     string  `mapstructure:"gemini_api_key"`
	ModelName        string  `mapstructure:"model_name" validate:"required"`
	Temperature      float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxRetries       int     `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BaseDelaySeconds float64 `mapstructure:"base_delay_seconds" validate:"gt=0"`
	MaxDelaySeconds  float64 `mapstructure:"max_delay_seconds" validate:"gtefield=BaseDelaySeconds"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds" validate:"gte=1"`
}

// PollerConfig controls the task poller.
type PollerConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds" validate:"gte=1"`
	BatchSize           int `mapstructure:"batch_size" validate:"gte=1,lte=100"`
	StaleMinutes        int `mapstructure:"stale_minutes" validate:"gte=1"`
	LockMaxSeconds      int `mapstructure:"lock_max_seconds" validate:"gte=1"`
	PauseRecheckMinutes int `mapstructure:"pause_recheck_minutes" validate:"gte=1"`
}

// GenerationConfig controls the autonomous generation cycle.
type GenerationConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	IntervalMinutes      int  `mapstructure:"interval_minutes" validate:"gte=1"`
	LockMaxSeconds       int  `mapstructure:"lock_max_seconds" validate:"gte=1"`
	MaxContacts          int  `mapstructure:"max_contacts" validate:"gte=1"`
	MaxTasksPerPersona   int  `mapstructure:"max_tasks_per_persona" validate:"gte=1"`
	CompletedWithinHours int  `mapstructure:"completed_within_hours" validate:"gte=0"`
}

// GuardrailsConfig holds engine-wide guardrail settings that are not part of
// a tenant's autonomy settings.
type GuardrailsConfig struct {
	OutreachCooldownHours int `mapstructure:"outreach_cooldown_hours" validate:"gte=0"`
}

// TelephonyConfig configures the voice bridge. An empty BaseURL disables
// voice calls.
type TelephonyConfig struct {
	BaseURL              string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey               string `mapstructure:"api_key"`
	WebhookSecret        string `mapstructure:"webhook_secret"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" validate:"gte=1"`
	StuckMinutes         int    `mapstructure:"stuck_minutes" validate:"gte=1"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds" validate:"gte=1"`
	MaxCallAttempts      int    `mapstructure:"max_call_attempts" validate:"gte=1"`
}

// MessagingConfig configures the messaging gateway. An empty BaseURL
// disables chat messages.
type MessagingConfig struct {
	BaseURL        string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string `mapstructure:"api_key"`
	Account        string `mapstructure:"account"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gte=1"`
}

// EmailConfig configures the outbound mail API. An empty APIURL disables
// email.
type EmailConfig struct {
	APIURL         string   `mapstructure:"api_url" validate:"omitempty,url"`
	APIKey         string   `mapstructure:"api_key"`
	FromAddress    string   `mapstructure:"from_address" validate:"omitempty,email"`
	FromName       string   `mapstructure:"from_name"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" validate:"gte=1"`
}

// NotifyConfig configures the operator notification webhook. An empty
// WebhookURL keeps notifications in-process only.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url" validate:"omitempty,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gte=1"`
}
