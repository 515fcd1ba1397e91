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

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Finalize())

	assert.Equal(t, 3000, c.Server.Port)
	assert.Equal(t, "nats", c.Bus.Driver)
	assert.Equal(t, []string{"nats://localhost:4222"}, c.NATS.Servers)
	assert.Equal(t, 10*time.Minute, c.NATS.InactiveThreshold)
	assert.Equal(t, 5, c.NATS.MaxDeliver)
	assert.Equal(t, 5*time.Second, c.Kafka.DialTimeout)
	assert.Equal(t, 100*time.Millisecond, c.Feed.CoalesceWindow)
	assert.Equal(t, 5*time.Minute, c.Feed.StalenessThreshold)
	assert.Equal(t, 3*time.Second, c.Server.ForceExitDelay)
	assert.Equal(t, "trip_updates.>", c.Subjects())

	assert.True(t, strings.HasPrefix(c.NATS.ClientName, ClientNamePrefix))
	assert.Len(t, c.NATS.ClientName, len(ClientNamePrefix)+4)
	assert.Equal(t, strings.ReplaceAll(c.NATS.ClientName, ".", "_"), c.NATS.DurableName)
	assert.Equal(t, c.NATS.DurableName, c.Kafka.GroupID)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
server:
  port: 8081
nats:
  stream: VBB_TRIPS
  durable_name: feed-a
  max_deliver: 2
kafka:
  dial_timeout: 750ms
feed:
  coalesce_window: 250ms
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Finalize())

	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, 8081, c.Server.Port)
	assert.Equal(t, "VBB_TRIPS", c.NATS.Stream)
	assert.Equal(t, "feed-a", c.NATS.DurableName)
	assert.Equal(t, 2, c.NATS.MaxDeliver)
	assert.Equal(t, 750*time.Millisecond, c.Kafka.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, c.Feed.CoalesceWindow)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, c.NATS.AckWait)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("NATS_SERVERS", "nats://a:4222,nats://b:4222")
	t.Setenv("NATS_USER", "feeder")
	t.Setenv("NATS_CLIENT_NAME", "feed-1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	c, err := LoadWithEnv("")
	require.NoError(t, err)
	require.NoError(t, c.Finalize())

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, c.NATS.Servers)
	assert.Equal(t, "feeder", c.NATS.User)
	assert.Equal(t, "feed-1", c.NATS.ClientName)
	assert.Equal(t, "feed-1", c.NATS.DurableName)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.Bus.Driver = "amqp"
	assert.Error(t, c.Finalize())

	c, err = Load("")
	require.NoError(t, err)
	c.NATS.DurableName = "bad.name"
	assert.Error(t, c.Finalize())

	c, err = Load("")
	require.NoError(t, err)
	c.Feed.CoalesceWindow = 0
	assert.Error(t, c.Finalize())

	c, err = Load("")
	require.NoError(t, err)
	c.NATS.MaxDeliver = 0
	assert.Error(t, c.Finalize())
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
