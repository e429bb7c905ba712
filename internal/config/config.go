package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env string `mapstructure:"ENV"`

	// FHIR bulk export source
	FHIRBaseURL       string `mapstructure:"FHIR_BASE_URL"`
	TokenURL          string `mapstructure:"TOKEN_URL"`
	ClientID          string `mapstructure:"CLIENT_ID"`
	PrivateKey        string `mapstructure:"PRIVATE_KEY"`
	PrivateKeyFile    string `mapstructure:"PRIVATE_KEY_FILE"`
	GroupID           string `mapstructure:"GROUP_ID"`
	ObservationFilter string `mapstructure:"OBSERVATION_FILTER"`

	// Export polling bounds
	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`
	PollMaxAttempts     int `mapstructure:"POLL_MAX_ATTEMPTS"`

	// Report delivery
	SMTPHost        string `mapstructure:"SMTP_HOST"`
	SMTPPort        int    `mapstructure:"SMTP_PORT"`
	SMTPUser        string `mapstructure:"SMTP_USER"`
	SMTPPassword    string `mapstructure:"SMTP_PASSWORD"`
	ReportFrom      string `mapstructure:"REPORT_FROM"`
	ReportRecipient string `mapstructure:"REPORT_RECIPIENT"`

	// Optional run audit store; disabled when empty
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// serve mode
	Port string `mapstructure:"PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("POLL_INTERVAL_SECONDS", 15)
	v.SetDefault("POLL_MAX_ATTEMPTS", 120)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("PORT", "8000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("TOKEN_URL")
	v.BindEnv("CLIENT_ID")
	v.BindEnv("PRIVATE_KEY")
	v.BindEnv("PRIVATE_KEY_FILE")
	v.BindEnv("GROUP_ID")
	v.BindEnv("OBSERVATION_FILTER")
	v.BindEnv("POLL_INTERVAL_SECONDS")
	v.BindEnv("POLL_MAX_ATTEMPTS")
	v.BindEnv("SMTP_HOST")
	v.BindEnv("SMTP_PORT")
	v.BindEnv("SMTP_USER")
	v.BindEnv("SMTP_PASSWORD")
	v.BindEnv("REPORT_FROM")
	v.BindEnv("REPORT_RECIPIENT")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PollInterval returns the status poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Validate checks that the configuration is complete enough to run a
// pipeline. SMTP settings are only required when a recipient is configured;
// without one the rendered report is logged instead of emailed.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("TOKEN_URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}
	if c.PrivateKey == "" && c.PrivateKeyFile == "" {
		return fmt.Errorf("one of PRIVATE_KEY or PRIVATE_KEY_FILE is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("GROUP_ID is required")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", c.PollMaxAttempts)
	}
	if c.ReportRecipient != "" {
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when REPORT_RECIPIENT is set")
		}
		if c.ReportFrom == "" {
			return fmt.Errorf("REPORT_FROM is required when REPORT_RECIPIENT is set")
		}
	}
	return nil
}
