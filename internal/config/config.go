// Package config loads the gateway configuration from a YAML file, with
// ${VAR} expansion in the file and a fixed set of environment overrides on
// top.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/manager"
	"github.com/shawn/session-gateway/internal/session"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendDynamo = "dynamodb"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Backup     BackupConfig     `yaml:"backup"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Leader     LeaderConfig     `yaml:"leader_election"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Logging    LoggingConfig    `yaml:"logging"`
	// LocalMode uses static AWS credentials for a local DynamoDB.
	LocalMode bool `yaml:"local_mode"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type StoreConfig struct {
	Backend        string `yaml:"backend"`
	DynamoTable    string `yaml:"dynamodb_table"`
	DynamoEndpoint string `yaml:"dynamodb_endpoint"`
	BoltPath       string `yaml:"bolt_path"`
}

// RedisConfig enables cross-replica recovery locks. Empty Addr keeps locks
// in process.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type ProtocolConfig struct {
	Driver string `yaml:"driver"`
}

// SessionsConfig holds the manager limits and the per-session policy.
type SessionsConfig struct {
	DataDir         string   `yaml:"data_dir"`
	MaxSessions     int      `yaml:"max_sessions"`
	HealthInterval  Duration `yaml:"health_interval"`
	QRValidity      Duration `yaml:"qr_validity"`
	QRWait          Duration `yaml:"qr_wait"`
	LockTTL         Duration `yaml:"lock_ttl"`
	RecoveryStagger Duration `yaml:"recovery_stagger"`

	AuthTimeout        Duration `yaml:"auth_timeout"`
	ScanWindowMin      Duration `yaml:"scan_window_min"`
	ScanWindowMax      Duration `yaml:"scan_window_max"`
	AuthReconnectDelay Duration `yaml:"auth_reconnect_delay"`
	RestartDelay       Duration `yaml:"restart_delay"`
	RetryDelay         Duration `yaml:"retry_delay"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BackoffMax         Duration `yaml:"backoff_max"`
	MaxRetries         int      `yaml:"max_retries"`
	ConflictStep       Duration `yaml:"stream_conflict_step"`
	ConflictMaxDelay   Duration `yaml:"stream_conflict_max_delay"`
	ConflictMax        int      `yaml:"stream_conflict_max"`
	ConflictCooldown   Duration `yaml:"stream_conflict_cooldown"`
	LogoutThreshold    int      `yaml:"logout_threshold"`
	LogoutWindow       Duration `yaml:"logout_window"`
	LogoutRetryDelay   Duration `yaml:"logout_retry_delay"`
	SnapshotDelay      Duration `yaml:"snapshot_delay"`
}

type BackupConfig struct {
	Retain    int      `yaml:"retain"`
	MaxAge    Duration `yaml:"max_age"`
	MinScore  float64  `yaml:"min_score"`
	Stability Duration `yaml:"stability"`
}

type WebhookConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	RetryBase  Duration `yaml:"retry_base"`
	Timeout    Duration `yaml:"timeout"`
}

// LeaderConfig gates session ownership behind a Kubernetes Lease.
type LeaderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	LeaseName string `yaml:"lease_name"`
	ID        string `yaml:"id"`
}

type ReconcilerConfig struct {
	Interval Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	mc := manager.DefaultConfig()
	sc := mc.Session
	bc := backup.DefaultConfig("", "")
	return &Config{
		Server:   ServerConfig{Port: "8080"},
		Store:    StoreConfig{Backend: BackendDynamo, DynamoTable: "tenant-registry", BoltPath: "data/registry.db"},
		Protocol: ProtocolConfig{Driver: "sim"},
		Sessions: SessionsConfig{
			DataDir:            mc.DataDir,
			MaxSessions:        mc.MaxSessions,
			HealthInterval:     Duration(mc.HealthInterval),
			QRValidity:         Duration(mc.QRValidity),
			QRWait:             Duration(mc.QRWait),
			LockTTL:            Duration(mc.LockTTL),
			RecoveryStagger:    Duration(mc.RecoveryStagger),
			AuthTimeout:        Duration(sc.AuthTimeout),
			ScanWindowMin:      Duration(sc.ScanWindowMin),
			ScanWindowMax:      Duration(sc.ScanWindowMax),
			AuthReconnectDelay: Duration(sc.AuthReconnectDelay),
			RestartDelay:       Duration(sc.RestartDelay),
			RetryDelay:         Duration(sc.RetryDelay),
			BackoffBase:        Duration(sc.BackoffBase),
			BackoffMax:         Duration(sc.BackoffMax),
			MaxRetries:         sc.MaxRetries,
			ConflictStep:       Duration(sc.ConflictStep),
			ConflictMaxDelay:   Duration(sc.ConflictMaxDelay),
			ConflictMax:        sc.ConflictMax,
			ConflictCooldown:   Duration(sc.ConflictCooldown),
			LogoutThreshold:    sc.LogoutThreshold,
			LogoutWindow:       Duration(sc.LogoutWindow),
			LogoutRetryDelay:   Duration(sc.LogoutRetryDelay),
			SnapshotDelay:      Duration(sc.SnapshotDelay),
		},
		Backup: BackupConfig{
			Retain:    bc.Retain,
			MaxAge:    Duration(bc.MaxAge),
			MinScore:  bc.MinScore,
			Stability: Duration(bc.Stability),
		},
		Webhook: WebhookConfig{
			MaxRetries: 3,
			RetryBase:  Duration(500 * time.Millisecond),
			Timeout:    Duration(time.Minute),
		},
		Leader: LeaderConfig{
			Namespace: "default",
			LeaseName: "session-gateway-leader",
			ID:        "gateway-" + os.Getenv("POD_NAME"),
		},
		Reconciler: ReconcilerConfig{Interval: Duration(60 * time.Second)},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
			return os.Getenv(envVarPattern.FindStringSubmatch(m)[1])
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) applyEnv() error {
	c.Server.Port = getenv("PORT", c.Server.Port)
	c.Sessions.DataDir = getenv("DATA_DIR", c.Sessions.DataDir)
	c.Store.Backend = getenv("STORE_BACKEND", c.Store.Backend)
	c.Store.DynamoTable = getenv("DYNAMODB_TABLE", c.Store.DynamoTable)
	c.Store.DynamoEndpoint = getenv("DYNAMODB_ENDPOINT", c.Store.DynamoEndpoint)
	c.Store.BoltPath = getenv("BOLT_PATH", c.Store.BoltPath)
	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Protocol.Driver = getenv("PROTOCOL_DRIVER", c.Protocol.Driver)
	c.Leader.Namespace = getenv("K8S_NAMESPACE", c.Leader.Namespace)
	c.Leader.ID = getenv("LEADER_ELECTION_ID", c.Leader.ID)
	c.Logging.Level = getenv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenv("LOG_FORMAT", c.Logging.Format)

	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		c.Sessions.MaxSessions = n
	}
	if v := os.Getenv("LOCAL_MODE"); v != "" {
		c.LocalMode = v == "true"
	}
	if c.Store.DynamoEndpoint != "" {
		c.LocalMode = true
	}
	if v := os.Getenv("LEADER_ELECTION"); v != "" {
		c.Leader.Enabled = v == "true"
	}
	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendDynamo:
		if c.Store.DynamoTable == "" {
			errs = append(errs, errors.New("store.dynamodb_table is required for the dynamodb backend"))
		}
	case BackendBolt:
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("store.bolt_path is required for the bolt backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want dynamodb, bolt or memory", c.Store.Backend))
	}
	if c.Protocol.Driver == "" {
		errs = append(errs, errors.New("protocol.driver is required"))
	}
	s := c.Sessions
	if s.DataDir == "" {
		errs = append(errs, errors.New("sessions.data_dir is required"))
	}
	if s.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must be positive, got %d", s.MaxSessions))
	}
	if s.ScanWindowMin >= s.ScanWindowMax {
		errs = append(errs, fmt.Errorf("sessions.scan_window_min (%s) must be below scan_window_max (%s)",
			s.ScanWindowMin.D(), s.ScanWindowMax.D()))
	}
	if s.SnapshotDelay > 0 && s.SnapshotDelay < c.Backup.Stability {
		errs = append(errs, fmt.Errorf("sessions.snapshot_delay (%s) must not be below backup.stability (%s)",
			s.SnapshotDelay.D(), c.Backup.Stability.D()))
	}
	if c.Backup.MinScore <= 0 || c.Backup.MinScore > 1 {
		errs = append(errs, fmt.Errorf("backup.min_score must be in (0, 1], got %v", c.Backup.MinScore))
	}
	if c.Backup.Retain <= 0 {
		errs = append(errs, fmt.Errorf("backup.retain must be positive, got %d", c.Backup.Retain))
	}
	if c.Leader.Enabled && (c.Leader.Namespace == "" || c.Leader.LeaseName == "" || c.Leader.ID == "") {
		errs = append(errs, errors.New("leader_election needs namespace, lease_name and id"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Manager converts the sessions and backup sections.
func (c *Config) Manager() manager.Config {
	s := c.Sessions
	return manager.Config{
		DataDir:         s.DataDir,
		MaxSessions:     s.MaxSessions,
		HealthInterval:  s.HealthInterval.D(),
		QRValidity:      s.QRValidity.D(),
		QRWait:          s.QRWait.D(),
		LockTTL:         s.LockTTL.D(),
		RecoveryStagger: s.RecoveryStagger.D(),
		Session: session.Config{
			AuthTimeout:        s.AuthTimeout.D(),
			ScanWindowMin:      s.ScanWindowMin.D(),
			ScanWindowMax:      s.ScanWindowMax.D(),
			AuthReconnectDelay: s.AuthReconnectDelay.D(),
			RestartDelay:       s.RestartDelay.D(),
			RetryDelay:         s.RetryDelay.D(),
			BackoffBase:        s.BackoffBase.D(),
			BackoffMax:         s.BackoffMax.D(),
			MaxRetries:         s.MaxRetries,
			ConflictStep:       s.ConflictStep.D(),
			ConflictMaxDelay:   s.ConflictMaxDelay.D(),
			ConflictMax:        s.ConflictMax,
			ConflictCooldown:   s.ConflictCooldown.D(),
			LogoutThreshold:    s.LogoutThreshold,
			LogoutWindow:       s.LogoutWindow.D(),
			LogoutRetryDelay:   s.LogoutRetryDelay.D(),
			SnapshotDelay:      s.SnapshotDelay.D(),
			Backup: backup.Config{
				Retain:    c.Backup.Retain,
				MaxAge:    c.Backup.MaxAge.D(),
				MinScore:  c.Backup.MinScore,
				Stability: c.Backup.Stability.D(),
			},
		},
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
