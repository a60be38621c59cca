// Package config содержит логику чтения конфигурации сервиса реестра.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/edcred-system/internal/validation"
)

// Config содержит параметры конфигурации сервиса реестра.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	SettlementAddress string `env:"SETTLEMENT_ADDRESS"`
	RegistrarAddress  string `env:"REGISTRAR_ADDRESS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Адрес регистратора обязателен: без него ни одна административная операция невозможна.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSettlementAddress := cfg.SettlementAddress
	envRegistrarAddress := cfg.RegistrarAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SettlementAddress, "s", "", "settlement system address")
	flag.StringVar(&cfg.RegistrarAddress, "r", "", "registrar address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSettlementAddress != "" {
		cfg.SettlementAddress = envSettlementAddress
	}
	if envRegistrarAddress != "" {
		cfg.RegistrarAddress = envRegistrarAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if !validation.IsValidAddress(cfg.RegistrarAddress) {
		return nil, fmt.Errorf("registrar address %q is not a valid hex address", cfg.RegistrarAddress)
	}

	return cfg, nil
}
