// Package notify delivers account links and two-factor codes.
package notify

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// SMTPConfig is read from the environment at startup. An empty Host selects the log notifier.
type SMTPConfig struct {
	Host      string `env:"SMTP_HOST"`
	Port      int    `env:"SMTP_PORT"       envDefault:"587"`
	Username  string `env:"SMTP_USERNAME"`
	Password  string `env:"SMTP_PASSWORD"`
	FromEmail string `env:"SMTP_FROM_EMAIL" envDefault:"no-reply@localhost"`
	FromName  string `env:"SMTP_FROM_NAME"  envDefault:"UnifyAuth"`
}

// Enabled reports whether an SMTP relay is configured.
func (config SMTPConfig) Enabled() bool {
	return strings.TrimSpace(config.Host) != ""
}

// LoadSMTPConfig parses the SMTP_* variables from the process environment.
func LoadSMTPConfig() (SMTPConfig, error) {
	return loadSMTPConfig(env.Options{})
}

func loadSMTPConfig(options env.Options) (SMTPConfig, error) {
	var config SMTPConfig
	if err := env.ParseWithOptions(&config, options); err != nil {
		return SMTPConfig{}, fmt.Errorf("notify.config: %w", err)
	}
	if config.Enabled() && config.Port <= 0 {
		return SMTPConfig{}, fmt.Errorf("notify.config: invalid SMTP_PORT %d", config.Port)
	}
	return config, nil
}
