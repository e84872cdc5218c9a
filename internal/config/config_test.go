package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shawn/session-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "DATA_DIR", "STORE_BACKEND", "DYNAMODB_TABLE", "DYNAMODB_ENDPOINT", "BOLT_PATH",
	"REDIS_ADDR", "PROTOCOL_DRIVER", "MAX_SESSIONS", "LOCAL_MODE", "LEADER_ELECTION",
	"K8S_NAMESPACE", "LEADER_ELECTION_ID", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, config.BackendDynamo, cfg.Store.Backend)
	assert.Equal(t, 100, cfg.Sessions.MaxSessions)
	assert.Equal(t, 20*time.Second, cfg.Sessions.QRValidity.D())
	assert.Equal(t, 5*time.Second, cfg.Sessions.QRWait.D())
	assert.Equal(t, 60*time.Second, cfg.Sessions.AuthTimeout.D())
	assert.Equal(t, 30*time.Second, cfg.Sessions.HealthInterval.D())
	assert.Equal(t, 5, cfg.Backup.Retain)
	assert.Equal(t, 0.7, cfg.Backup.MinScore)
	assert.Equal(t, 24*time.Hour, cfg.Backup.MaxAge.D())
	assert.False(t, cfg.Leader.Enabled)

	mc := cfg.Manager()
	assert.Equal(t, 3, mc.Session.ConflictMax)
	assert.Equal(t, 30*time.Second, mc.Session.ConflictCooldown)
	assert.Equal(t, 5*time.Minute, mc.Session.LogoutWindow)
	assert.Equal(t, 30*time.Second, mc.Session.Backup.Stability)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	t.Setenv("GW_TEST_TABLE", "tenants-prod")
	path := writeConfig(t, `
server:
  port: "9090"
store:
  backend: dynamodb
  dynamodb_table: ${GW_TEST_TABLE}
sessions:
  data_dir: /var/lib/gateway
  max_sessions: 250
  qr_validity: 15s
  auth_timeout: 90s
  stream_conflict_max: 5
backup:
  retain: 10
logging:
  level: debug
  format: text
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "tenants-prod", cfg.Store.DynamoTable)
	assert.Equal(t, "/var/lib/gateway", cfg.Sessions.DataDir)
	assert.Equal(t, 250, cfg.Sessions.MaxSessions)
	assert.Equal(t, 15*time.Second, cfg.Sessions.QRValidity.D())
	assert.Equal(t, 5*time.Second, cfg.Sessions.QRWait.D(), "unset keys keep defaults")

	mc := cfg.Manager()
	assert.Equal(t, 90*time.Second, mc.Session.AuthTimeout)
	assert.Equal(t, 5, mc.Session.ConflictMax)
	assert.Equal(t, 10, mc.Session.Backup.Retain)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("STORE_BACKEND", "bolt")
	t.Setenv("BOLT_PATH", "/tmp/reg.db")
	t.Setenv("MAX_SESSIONS", "7")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LEADER_ELECTION", "true")
	t.Setenv("LEADER_ELECTION_ID", "gw-0")
	t.Setenv("DYNAMODB_ENDPOINT", "http://localhost:8000")

	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port, "env wins over file")
	assert.Equal(t, config.BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/tmp/reg.db", cfg.Store.BoltPath)
	assert.Equal(t, 7, cfg.Sessions.MaxSessions)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Leader.Enabled)
	assert.Equal(t, "gw-0", cfg.Leader.ID)
	assert.True(t, cfg.LocalMode, "a dynamodb endpoint implies local mode")
}

func TestLoad_BadMaxSessionsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_SESSIONS", "lots")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "MAX_SESSIONS")
}

func TestLoad_BadDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "sessions:\n  qr_wait: soon\n")
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"scan window", func(c *config.Config) {
			c.Sessions.ScanWindowMin = config.Duration(40 * time.Second)
		}, "scan_window_min"},
		{"score", func(c *config.Config) { c.Backup.MinScore = 1.5 }, "min_score"},
		{"retention", func(c *config.Config) { c.Backup.Retain = 0 }, "retain"},
		{"max sessions", func(c *config.Config) { c.Sessions.MaxSessions = 0 }, "max_sessions"},
		{"backend", func(c *config.Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"bolt path", func(c *config.Config) {
			c.Store.Backend = config.BackendBolt
			c.Store.BoltPath = ""
		}, "bolt_path"},
		{"snapshot delay", func(c *config.Config) {
			c.Sessions.SnapshotDelay = config.Duration(10 * time.Second)
		}, "snapshot_delay"},
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"leader", func(c *config.Config) {
			c.Leader.Enabled = true
			c.Leader.ID = ""
		}, "leader_election"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	assert.NoError(t, config.Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := config.LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "tenant", "acme")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"tenant":"acme"`)

	buf.Reset()
	config.LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf).Debug("dbg")
	assert.Contains(t, buf.String(), "msg=dbg")
}
