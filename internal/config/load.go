package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CADENCE_DATABASE_URL for database.url.
const EnvPrefix = "CADENCE"

// defaults lists every configuration key. Viper only maps environment
// variables onto keys it already knows, so secrets get empty defaults too.
var defaults = map[string]any{
	"server.port":                        8080,
	"server.log_level":                   "info",
	"server.storage":                     "postgres",
	"server.shutdown_timeout_seconds":    15,
	"database.url":                       "",
	"database.max_open_conns":            10,
	"auth.jwt_secret":                    "",
	"auth.issuer":                        "cadence",
	"auth.token_lifetime_minutes":        60 * 24,
	"llm.gemini_api_key":                 "",
	"llm.model_name":                     "gemini-2.0-flash",
	"llm.temperature":                    0.4,
	"llm.max_retries":                    3,
	"llm.base_delay_seconds":             1.0,
	"llm.max_delay_seconds":              30.0,
	"llm.timeout_seconds":                120,
	"poller.interval_seconds":            30,
	"poller.batch_size":                  10,
	"poller.stale_minutes":               10,
	"poller.lock_max_seconds":            600,
	"poller.pause_recheck_minutes":       30,
	"generation.enabled":                 true,
	"generation.interval_minutes":        60,
	"generation.lock_max_seconds":        1800,
	"generation.max_contacts":            50,
	"generation.max_tasks_per_persona":   5,
	"generation.completed_within_hours":  24,
	"guardrails.outreach_cooldown_hours": 48,
	"telephony.base_url":                 "",
	"telephony.api_key":                  "",
	"telephony.webhook_secret":           "",
	"telephony.timeout_seconds":          20,
	"telephony.stuck_minutes":            15,
	"telephony.sweep_interval_seconds":   120,
	"telephony.max_call_attempts":        3,
	"messaging.base_url":                 "",
	"messaging.api_key":                  "",
	"messaging.account":                  "",
	"messaging.timeout_seconds":          15,
	"email.api_url":                      "",
	"email.api_key":                      "",
	"email.from_address":                 "",
	"email.from_name":                    "",
	"email.blocked_domains":              []string{},
	"email.timeout_seconds":              15,
	"notify.webhook_url":                 "",
	"notify.timeout_seconds":             5,
}

// Load reads configuration from defaults, an optional YAML file at path, and
// environment variables, in increasing order of precedence. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with explicit values, typically command-line
// flags, that take precedence over every other source.
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Server.Storage == "postgres" && cfg.Database.URL == "" {
		return errors.New("invalid configuration: database.url is required with postgres storage")
	}
	if cfg.Telephony.BaseURL != "" && cfg.Telephony.WebhookSecret == "" {
		return errors.New("invalid configuration: telephony.webhook_secret is required when telephony is enabled")
	}
	return nil
}
