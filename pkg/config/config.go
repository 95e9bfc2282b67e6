// Package config loads process configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"

	"github.com/hvilchis/facturaq/pkg/logger"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8081"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
	APIKey      string `env:"API_KEY"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Service-to-service bearer credential for every downstream collaborator.
	ServiceToken string `env:"SERVICE_TOKEN"`

	DocumentsURL   string `env:"DOCUMENTS_URL" envDefault:"http://localhost:9001"`
	CredentialsURL string `env:"CREDENTIALS_URL" envDefault:"http://localhost:9002"`
	PacURL         string `env:"PAC_URL" envDefault:"http://localhost:9003"`
	LedgerURL      string `env:"LEDGER_URL" envDefault:"http://localhost:9004"`
	InventoryURL   string `env:"INVENTORY_URL" envDefault:"http://localhost:9005"`
	RendererURL    string `env:"RENDERER_URL" envDefault:"http://localhost:9006"`
	MailURL        string `env:"MAIL_URL" envDefault:"http://localhost:9007"`

	ArtifactDir string `env:"ARTIFACT_DIR" envDefault:"/var/lib/facturaq/artifacts"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid environment configuration")
	}
	return c
}
