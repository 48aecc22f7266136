package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Test loading default config
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify defaults
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	// Create a temporary config file
	configContent := `{
		"environment": "testing",
		"server": {
			"address": ":9090"
		},
		"storage": {
			"adapter": "memory"
		}
	}`

	tmpFile, err := os.CreateTemp("", "config_test_*.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(configContent)
	require.NoError(t, err)
	tmpFile.Close()

	// Load config from file
	cfg, err := LoadFromFile(tmpFile.Name())
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify loaded values
	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{
			name: "valid config",
			config: &Config{
				Environment: EnvDevelopment,
				Server: ServerConfig{
					Address:           ":8080",
					ReadTimeout:       time.Second,
					WriteTimeout:      time.Second,
					IdleTimeout:       time.Second,
					ReadHeaderTimeout: time.Second,
					ShutdownTimeout:   time.Second,
				},
				Storage: StorageConfig{
					Adapter: "memory",
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
					Output: "stdout",
				},
				Reward: RewardConfig{Amount: 100, Interval: 24 * time.Hour},
			},
			expectError: false,
		},
		{
			name: "invalid environment",
			config: &Config{
				Environment: "",
				Server: ServerConfig{
					Address:           ":8080",
					ReadTimeout:       time.Second,
					WriteTimeout:      time.Second,
					IdleTimeout:       time.Second,
					ReadHeaderTimeout: time.Second,
					ShutdownTimeout:   time.Second,
				},
				Storage: StorageConfig{
					Adapter: "memory",
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
					Output: "stdout",
				},
				Reward: RewardConfig{Amount: 100, Interval: 24 * time.Hour},
			},
			expectError: true,
		},
		{
			name: "invalid server timeout",
			config: &Config{
				Environment: EnvDevelopment,
				Server: ServerConfig{
					Address:           ":8080",
					ReadTimeout:       0,
					WriteTimeout:      time.Second,
					IdleTimeout:       time.Second,
					ReadHeaderTimeout: time.Second,
					ShutdownTimeout:   time.Second,
				},
				Storage: StorageConfig{
					Adapter: "memory",
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
					Output: "stdout",
				},
				Reward: RewardConfig{Amount: 100, Interval: 24 * time.Hour},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name         string
		profileName  string
		expectConfig bool
		environment  Environment
	}{
		{"development", "development", true, EnvDevelopment},
		{"testing", "testing", true, EnvTesting},
		{"staging", "staging", true, EnvStaging},
		{"production", "production", true, EnvProduction},
		{"unknown", "unknown", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadProfile(tt.profileName)
			if tt.expectConfig {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				assert.Equal(t, tt.environment, cfg.Environment)
			} else {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			}
		})
	}
}

func TestSecrets(t *testing.T) {
	// Test environment secret store
	store := NewEnvironmentSecretStore()

	// Set test environment variable
	testKey := "TEST_SECRET_KEY"
	testValue := "test_secret_value"
	os.Setenv(testKey, testValue)
	defer os.Unsetenv(testKey)

	ctx := context.Background()

	// Test Get
	value, err := store.Get(ctx, testKey)
	assert.NoError(t, err)
	assert.Equal(t, testValue, value)

	// Test GetWithDefault
	defaultValue := "default"
	value = store.GetWithDefault(ctx, "NONEXISTENT_KEY", defaultValue)
	assert.Equal(t, defaultValue, value)

	value = store.GetWithDefault(ctx, testKey, defaultValue)
	assert.Equal(t, testValue, value)
}

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		expectError bool
		setup       func() string // returns path to cleanup
	}{
		{
			name:        "valid json file",
			path:        "config_test.json",
			expectError: false,
			setup: func() string {
				tmpFile, _ := os.CreateTemp("", "config_test_*.json")
				tmpFile.WriteString("{}")
				tmpFile.Close()
				return tmpFile.Name()
			},
		},
		{
			name:        "empty path",
			path:        "",
			expectError: true,
			setup:       func() string { return "" },
		},
		{
			name:        "path traversal",
			path:        "../../../etc/passwd",
			expectError: true,
			setup:       func() string { return "" },
		},
		{
			name:        "non-json file",
			path:        "config.txt",
			expectError: true,
			setup: func() string {
				tmpFile, _ := os.CreateTemp("", "config_test_*.txt")
				tmpFile.WriteString("{}")
				tmpFile.Close()
				return tmpFile.Name()
			},
		},
		{
			name:        "nonexistent file",
			path:        "nonexistent.json",
			expectError: true,
			setup:       func() string { return "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanupPath := tt.setup()
			if cleanupPath != "" {
				defer os.Remove(cleanupPath)
				if tt.path == "config_test.json" || tt.path == "config.txt" {
					tt.path = cleanupPath
				}
			}

			err := validateConfigPath(tt.path)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRewardAndWebhookValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Reward.Amount = 0
	assert.ErrorContains(t, cfg.Validate(), "reward config")

	cfg = DefaultConfig()
	cfg.Reward.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Webhooks.Endpoints = []string{"ftp://example.com/hook"}
	assert.ErrorContains(t, cfg.Validate(), "webhooks config")

	cfg.Webhooks.Endpoints = []string{"https://example.com/hook"}
	assert.NoError(t, cfg.Validate())

	cfg.Webhooks.Timeout = 0
	assert.Error(t, cfg.Validate())
}

func TestJWTSecretLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.JWTSecret = "short"
	assert.ErrorContains(t, cfg.Validate(), "jwt_secret")

	cfg.Security.JWTSecret = strings.Repeat("k", 32)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REWARDLEDGER_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("REWARDLEDGER_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("REWARDLEDGER_TEST_DOTENV"))
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REWARDLEDGER_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("REWARDLEDGER_TEST_DOTENV", "from-env")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("REWARDLEDGER_TEST_DOTENV"))
}

func TestLoadWithProfileEnv(t *testing.T) {
	t.Setenv("REWARDLEDGER_PROFILE", "testing")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, "testing", cfg.Profile)

	t.Setenv("REWARDLEDGER_PROFILE", "nope")
	_, err = Load()
	assert.Error(t, err)
}

func TestSecretFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt")
	require.NoError(t, os.WriteFile(path, []byte("  file-secret\n"), 0o600))
	t.Setenv("REWARDLEDGER_TEST_SECRET_FILE", path)

	store := NewEnvironmentSecretStore()
	v, err := store.Get(context.Background(), "REWARDLEDGER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "file-secret", v)

	_, err = store.Get(context.Background(), "REWARDLEDGER_TEST_SECRET_UNSET")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	secret := strings.Repeat("s", 32)
	t.Setenv("REWARDLEDGER_SECURITY_JWT_SECRET", secret)
	t.Setenv("REWARDLEDGER_SECURITY_API_KEYS", "k1, k2,")

	cfg := DefaultConfig()
	cfg.Storage.Redis.Password = "keep"
	require.NoError(t, LoadSecretsFromEnv(context.Background(), cfg))

	assert.Equal(t, secret, cfg.Security.JWTSecret)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Security.APIKeys)
	assert.Equal(t, "keep", cfg.Storage.Redis.Password)
	assert.Empty(t, cfg.Storage.SQL.DSN)
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.JWTSecret = strings.Repeat("x", 32)
	cfg.Security.APIKeys = []string{"topsecret"}
	cfg.Storage.SQL.DSN = "postgres://u:p@db/ledger"

	out := cfg.String()
	assert.NotContains(t, out, "topsecret")
	assert.NotContains(t, out, "u:p@db")
	assert.Contains(t, out, "[REDACTED]")
}

func TestAnalyticsValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Analytics.Retention = time.Hour
	assert.ErrorContains(t, cfg.Validate(), "analytics config")

	cfg = DefaultConfig()
	cfg.Analytics.ExportEndpoint = "https://collector.example/ingest"
	cfg.Analytics.ExportInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Analytics.Enabled = false
	assert.NoError(t, cfg.Validate())
}
