package config

import (
	"fmt"
	"time"
)

// LoadProfile returns the preset for a named deployment profile with environment
// overrides applied. Known profiles: development, testing, staging, production.
func LoadProfile(name string) (*Config, error) {
	cfg, err := profileConfig(name)
	if err != nil {
		return nil, err
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for profile %s: %w", name, err)
	}
	return cfg, nil
}

func profileConfig(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name

	switch name {
	case "development", "default":
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"

	case "testing":
		cfg.Environment = EnvTesting
		cfg.Server.Address = ":0"
		cfg.Logging.Level = "warn"
		cfg.Storage.Adapter = "memory"

	case "staging":
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit.RequestsPerMinute = 300
		cfg.Security.RateLimit.BurstSize = 50

	case "production":
		cfg.Environment = EnvProduction
		cfg.Server.CORSOrigin = ""
		cfg.Server.ShutdownTimeout = 60 * time.Second
		cfg.Storage.Adapter = "redis"
		cfg.Logging.Level = "info"
		cfg.Logging.Format = "json"
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit.RequestsPerMinute = 120
		cfg.Security.RateLimit.BurstSize = 20

	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}
