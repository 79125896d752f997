// Package config loads command defaults from APNS_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	CertPath     string        `env:"APNS_CERT"`
	CertPassword string        `env:"APNS_CERT_PASSWORD"`
	KeyPath      string        `env:"APNS_KEY"`
	KeyID        string        `env:"APNS_KEY_ID"`
	TeamID       string        `env:"APNS_TEAM_ID"`
	Topic        string        `env:"APNS_TOPIC"`
	Sandbox      bool          `env:"APNS_SANDBOX,default=false"`
	Timeout      time.Duration `env:"APNS_TIMEOUT,default=20s"`
	Debug        bool          `env:"APNS_DEBUG,default=false"`
	LogJSON      bool          `env:"APNS_LOG_JSON,default=false"`

	Listen  string `env:"APNS_LISTEN,default=:9004"`
	APIKey  string `env:"APNS_API_KEY"`
	Workers int    `env:"APNS_WORKERS,default=5"`

	WebhookURL   string `env:"APNS_WEBHOOK_URL"`
	AMQPURL      string `env:"APNS_AMQP_URL"`
	AMQPExchange string `env:"APNS_AMQP_EXCHANGE,default=apns"`
	Metrics      bool   `env:"APNS_METRICS,default=false"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
