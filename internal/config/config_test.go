package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsNeedSession(t *testing.T) {
	_, err := NewLoader("peercall", t.TempDir()).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id is required")
}

func TestLoadFromFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "peercall.yaml"), []byte(`
session: from-file
name: Alice
role: responder
relay:
  kind: wamp
  url: ws://relay.example:8000/ws
  codec: cbor
ice:
  stun: ["stun:stun.example.org:3478"]
  failed_timeout: 40s
reconnect:
  enabled: true
  max_attempts: 2
`), 0o600))
	t.Setenv("PEERCALL_NAME", "Alice From Env")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("session", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--session", "from-flag"}))

	l := NewLoader("peercall", dir)
	require.NoError(t, l.BindFlags(cmd, map[string]string{"session": "session"}))
	c, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-flag", c.Session)
	assert.Equal(t, "Alice From Env", c.Name)
	assert.Equal(t, RoleResponder, c.Role)
	assert.Equal(t, "wamp", c.Relay.Kind)
	assert.Equal(t, "cbor", c.Relay.Codec)
	assert.Equal(t, DefaultRealm, c.Relay.Realm)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, c.ICE.STUN)
	assert.Equal(t, 40*time.Second, c.ICE.FailedTimeout)
	assert.Equal(t, 5*time.Second, c.ICE.DisconnectedTimeout)
	assert.True(t, c.Reconnect.Enabled)
	assert.Equal(t, 2, c.Reconnect.MaxAttempts)
	assert.Equal(t, 30*time.Second, c.Reconnect.ConnectTimeout)
	assert.True(t, c.Video)
}

func TestFillOnlyWhenUnset(t *testing.T) {
	asked := 0
	ask := func() string {
		asked++
		return "typed"
	}

	l := NewLoader("peercall", t.TempDir())
	require.NoError(t, l.Fill("session", ask))
	c, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "typed", c.Session)
	assert.Equal(t, 1, asked)

	t.Setenv("PEERCALL_SESSION", "from-env")
	l = NewLoader("peercall", t.TempDir())
	require.NoError(t, l.Fill("session", ask))
	c, err = l.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Session)
	assert.Equal(t, 1, asked)
}

func TestBindUnknownFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	err := NewLoader("peercall").BindFlags(cmd, map[string]string{"missing": "session"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Session: "s",
			Role:    RoleInitiator,
			Relay:   Relay{Kind: "ws", URL: "ws://x", Codec: "json"},
			ICE:     ICE{STUN: []string{"stun:a:3478"}},
			Media:   Media{Backend: "synthetic"},
			Log:     Log{Level: "info"},
		}
	}
	c := valid()
	require.NoError(t, c.Validate())

	cases := map[string]func(*Config){
		"role must be":           func(c *Config) { c.Role = "host" },
		"relay kind":             func(c *Config) { c.Relay.Kind = "mqtt" },
		"relay.url":              func(c *Config) { c.Relay.URL = "" },
		"relay.codec":            func(c *Config) { c.Relay.Codec = "xml" },
		"TURN is not":            func(c *Config) { c.ICE.STUN = []string{"turn:relay.example:3478"} },
		"media.backend":          func(c *Config) { c.Media.Backend = "webcam" },
		"max_attempts":           func(c *Config) { c.Reconnect.MaxAttempts = -1 },
		"unknown log level":      func(c *Config) { c.Log.Level = "loud" },
		"session id is required": func(c *Config) { c.Session = " " },
	}
	for want, mutate := range cases {
		c := valid()
		mutate(&c)
		err := c.Validate()
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}

func TestServerDefaults(t *testing.T) {
	s, err := NewServerLoader("relay", t.TempDir()).LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8090", s.Listen)
	assert.Equal(t, "ws", s.Kind)
	assert.Equal(t, int64(100), s.Burst)
	assert.Equal(t, 20.0, s.UpgradeRate)

	s.Rate = 0
	assert.Error(t, s.Validate())
}
