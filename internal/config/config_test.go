package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeYAML(t, "federation:\n  domain: social.example\n")

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "social.example", c.Federation.Domain)
	assert.Equal(t, 30*time.Second, c.Federation.DeliveryTimeout)
	assert.Equal(t, 3, c.Federation.MaxRetries)
	assert.Equal(t, 20*time.Second, c.Federation.RetryDelay)
	assert.Equal(t, 10, c.Federation.MaxConcurrent)

	assert.Equal(t, 720*time.Hour, c.Keys.RotationInterval)
	assert.Equal(t, 48*time.Hour, c.Keys.Overlap)
	assert.Equal(t, 2048, c.Keys.KeySize)

	assert.Equal(t, 5*time.Minute, c.Signature.ClockSkew)
	assert.Equal(t, 100, c.Rate.Requests)
	assert.Equal(t, time.Minute, c.Rate.Period)
	assert.Equal(t, 20, c.Rate.Burst)

	assert.Equal(t, "memory", c.Queue.Driver)
	assert.Equal(t, 5, c.Queue.MaxAttempts)
	assert.Equal(t, 20, c.Queue.BatchSize)
}

func TestLoad_YAMLDurationsAndEnv(t *testing.T) {
	p := writeYAML(t, `
federation:
  domain: social.example
  retry_delay: 2s
queue:
  driver: redis
  redis:
    addr: cache:6379
`)
	t.Setenv("FED_MAX_RETRIES", "7")
	t.Setenv("REDIS_PREFIX", "fedq:")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.Federation.RetryDelay)
	assert.Equal(t, 7, c.Federation.MaxRetries)
	assert.Equal(t, "redis", c.Queue.Driver)
	assert.Equal(t, "cache:6379", c.Queue.Redis.Addr)
	assert.Equal(t, "fedq:", c.Queue.Redis.Prefix)
}

func TestValidate_Errors(t *testing.T) {
	_, err := Load(writeYAML(t, "queue:\n  driver: postgres\n"))
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "federation.domain"), msg)
	assert.True(t, strings.Contains(msg, "queue.postgres.dsn"), msg)

	_, err = Load(writeYAML(t, "federation:\n  domain: a.example/x\n"))
	require.Error(t, err)

	_, err = Load(writeYAML(t, "federation:\n  domain: a.example\nkeys:\n  key_size: 1024\n"))
	require.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("FED_DOMAIN", "env.example")
	t.Setenv("QUEUE_DRIVER", "POSTGRES")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost/fed")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env.example", c.Federation.Domain)
	assert.Equal(t, "postgres", c.Queue.Driver)
}
