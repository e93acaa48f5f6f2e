package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:8000", cfg.Address)
	assert.Equal(t, "./source", cfg.SourcePath)
	assert.Equal(t, "./private", cfg.PrivatePath)
	assert.Equal(t, "private", cfg.PrivatePrefix)
	assert.Equal(t, "./private.json", cfg.LinksFile)
	assert.Equal(t, filepath.Join("source", "private"), cfg.MirrorPath())
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, 0.5, cfg.PrivateRateLimit)
	assert.Zero(t, cfg.PrivateRateBurst)
	assert.Equal(t, 5*time.Minute, cfg.DigestWindow)
	assert.Equal(t, 10*time.Second, cfg.NotifyTimeout)
	assert.Empty(t, cfg.Notifiers)
	require.NoError(t, Validate(cfg))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
address        = "0.0.0.0:9000"
source_path    = "/srv/www"
private_path   = "/srv/private"
private_prefix = "p"
links_file     = "/var/lib/capsule/links.json"
log_level      = "debug"
tick_interval  = "500ms"
digest_window  = "60"

private_rate_limit = 0.5

notifier "webhook" {
  url     = "https://callbacks.example.com/notify"
  secret  = "s3cr3t"
  handler = "sms"
}

notifier "file" {
  path        = "/var/log/capsule/digests.log"
  max_backups = 3
}
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "0.0.0.0:9000", cfg.Address)
	assert.Equal(t, "/srv/www/p", filepath.ToSlash(cfg.MirrorPath()))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "default", cfg.LogFormat)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, time.Minute, cfg.DigestWindow, "bare numbers are seconds")
	assert.Equal(t, 2*time.Second, cfg.Debounce)

	require.Len(t, cfg.Notifiers, 2)
	assert.Equal(t, "webhook", cfg.Notifiers[0].Type)
	assert.Equal(t, "sms", cfg.Notifiers[0].Handler)
	assert.Equal(t, "file", cfg.Notifiers[1].Type)
	assert.Equal(t, 3, cfg.Notifiers[1].MaxBackups)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`debounce = "soon"`), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debounce")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.Notifiers = []NotifierBlock{{Type: "file", Path: "/tmp/digests.log"}}

	err := cfg.ApplyEnv(envMap(map[string]string{
		"CAPSULE_ADDRESS":        "127.0.0.1:8080",
		"CAPSULE_PRIVATE_PREFIX": "secret",
		"CAPSULE_LOG_FORMAT":     "json",
		"CAPSULE_DEBOUNCE":       "3s",
		"CAPSULE_LINKS_FILE":     "",
		"TWILIO_ACCOUNT":         "AC1",
		"TWILIO_TOKEN":           "tok",
		"CAPSULE_DIGEST_FILE":    "/var/log/digests.log",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Address)
	assert.Equal(t, "secret", cfg.PrivatePrefix)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.Debounce)
	assert.Equal(t, "./private.json", cfg.LinksFile, "empty values are ignored")

	require.Len(t, cfg.Notifiers, 2)
	assert.Equal(t, "/var/log/digests.log", cfg.Notifiers[0].Path, "existing blocks are updated in place")
	assert.Equal(t, "twilio", cfg.Notifiers[1].Type)
	assert.Equal(t, "AC1", cfg.Notifiers[1].Account)
	assert.Equal(t, "tok", cfg.Notifiers[1].Token)
}

func TestApplyEnv_BadDuration(t *testing.T) {
	err := Default().ApplyEnv(envMap(map[string]string{"CAPSULE_TICK_INTERVAL": "often"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAPSULE_TICK_INTERVAL")
}
