package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatbranch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
[server]
port = 9090
jwt_secret = "s3cret"

[database]
url = "postgres://localhost/chatbranch"

[ai]
api_key = "key"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "postgres://localhost/chatbranch", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL, "defaults fill omitted sections")
	assert.Equal(t, "gemini-2.5-flash", cfg.AI.Model)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CHATBRANCH_SERVER_PORT", "7001")
	t.Setenv("CHATBRANCH_AI_API_KEY", "env-key")

	path := writeConfigFile(t, `
[server]
port = 9090
jwt_secret = "s3cret"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "env-key", cfg.AI.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Server.Port = 8080
		cfg.Server.JWTSecret = "s3cret"
		cfg.Database.URL = "postgres://localhost/chatbranch"
		cfg.Redis.URL = "redis://localhost:6379/0"
		cfg.AI.APIKey = "key"
		return cfg
	}

	assert.NoError(t, Validate(valid()))

	t.Run("MissingSecret", func(t *testing.T) {
		cfg := valid()
		cfg.Server.JWTSecret = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("MissingDatabase", func(t *testing.T) {
		cfg := valid()
		cfg.Database.URL = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("BadPort", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = 0
		assert.Error(t, Validate(cfg))
	})
}
