package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  port: "9090"
database:
  redis:
    addr: "redis:6379"
jwt:
  secret: "s3cret"
rate_limit:
  max_prompts: 7
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInit_FileAndDefaults(t *testing.T) {
	Conf = Config{}
	Init(writeConfig(t, minimalYAML))

	assert.Equal(t, "9090", Conf.Server.Port)
	assert.Equal(t, "redis:6379", Conf.Database.Redis.Addr)
	assert.Equal(t, "s3cret", Conf.JWT.Secret)
	assert.Equal(t, 7, Conf.RateLimit.MaxPrompts)

	// 未配置的键回落到默认值
	assert.Equal(t, 3600, Conf.RateLimit.WindowSeconds)
	assert.Equal(t, 5, Conf.RateLimit.MaxRetries)
	assert.Equal(t, 10, Conf.Chat.HistoryWindow)
	assert.Equal(t, 10, Conf.Chat.RetrievalTopK)
	assert.Equal(t, "https://r.jina.ai", Conf.WebSearch.ReaderURL)
	assert.Equal(t, time.Hour, Conf.RateLimit.Window())
	assert.Equal(t, 10*time.Millisecond, Conf.RateLimit.RetryBackoff())
}

func TestInit_EnvOverridesFile(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX_PROMPTS", "3")
	t.Setenv("SERVER_PORT", "7070")
	Conf = Config{}

	Init(writeConfig(t, minimalYAML))

	assert.Equal(t, 3, Conf.RateLimit.MaxPrompts)
	assert.Equal(t, "7070", Conf.Server.Port)
}

func TestInit_MissingFilePanics(t *testing.T) {
	assert.Panics(t, func() { Init(filepath.Join(t.TempDir(), "missing.yaml")) })
}
