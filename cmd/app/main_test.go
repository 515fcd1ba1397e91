package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("NATS_USER", "env-user")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--port", "5000",
		"--nats-servers", "nats://a:4222,nats://b:4222",
		"--nats-client-name", "feed.one",
		"--coalesce-window", "250",
	}))

	var f flags
	f.port, _ = cmd.Flags().GetInt("port")
	f.natsServers, _ = cmd.Flags().GetStringSlice("nats-servers")
	f.natsClientName, _ = cmd.Flags().GetString("nats-client-name")
	f.coalesceWindow, _ = cmd.Flags().GetString("coalesce-window")

	cfg, err := loadConfig(cmd, &f)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "env-user", cfg.NATS.User)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.Servers)
	assert.Equal(t, "feed.one", cfg.NATS.ClientName)
	assert.Equal(t, "feed_one", cfg.NATS.DurableName)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.CoalesceWindow)
}

func TestVersionFlag(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-v"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestRejectsInvalidFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--bus-driver", "redis"})
	assert.Error(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--coalesce-window=-5"})
	assert.Error(t, cmd.Execute())
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("1s")
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = parseDuration("100")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)

	_, err = parseDuration("soon")
	assert.Error(t, err)
}
