package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a secret has no value in the store.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves secret values by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from environment variables. When KEY is
// unset but KEY_FILE names a file, the trimmed file content is used instead
// (the container secrets convention).
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	if path := os.Getenv(key + "_FILE"); path != "" {
		b, err := os.ReadFile(path) // #nosec G304 - path comes from operator-controlled env
		if err != nil {
			return "", fmt.Errorf("read secret file for %s: %w", key, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

func (s *EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// LoadSecrets fills empty secret fields of cfg from store.
func LoadSecrets(ctx context.Context, cfg *Config, store SecretStore) error {
	targets := []struct {
		key string
		dst *string
	}{
		{"REWARDLEDGER_SQL_DSN", &cfg.Storage.SQL.DSN},
		{"REWARDLEDGER_REDIS_PASSWORD", &cfg.Storage.Redis.Password},
		{"REWARDLEDGER_SECURITY_JWT_SECRET", &cfg.Security.JWTSecret},
		{"REWARDLEDGER_ANALYTICS_EXPORT_API_KEY", &cfg.Analytics.ExportAPIKey},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		v, err := store.Get(ctx, t.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*t.dst = v
	}
	if len(cfg.Security.APIKeys) == 0 {
		if v := store.GetWithDefault(ctx, "REWARDLEDGER_SECURITY_API_KEYS", ""); v != "" {
			for _, k := range strings.Split(v, ",") {
				if k = strings.TrimSpace(k); k != "" {
					cfg.Security.APIKeys = append(cfg.Security.APIKeys, k)
				}
			}
		}
	}
	return nil
}

// LoadSecretsFromEnv is LoadSecrets backed by an EnvironmentSecretStore.
func LoadSecretsFromEnv(ctx context.Context, cfg *Config) error {
	return LoadSecrets(ctx, cfg, NewEnvironmentSecretStore())
}
