package session

import (
	"time"

	"github.com/shawn/session-gateway/internal/backup"
)

// Config holds the reconnection and pairing policy of a session.
type Config struct {
	// AuthTimeout bounds one authentication round, measured from its start.
	AuthTimeout time.Duration
	// ScanWindowMin and ScanWindowMax bound the heuristic that treats a
	// disruptive reconnect shortly after QR issuance as a probable scan. The
	// protocol has no authoritative "scanned" signal.
	ScanWindowMin      time.Duration
	ScanWindowMax      time.Duration
	AuthReconnectDelay time.Duration
	RestartDelay       time.Duration
	// RetryDelay is the fixed delay for retryable errors outside the network class.
	RetryDelay  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxRetries  int

	ConflictStep     time.Duration
	ConflictMaxDelay time.Duration
	ConflictMax      int
	ConflictCooldown time.Duration

	LogoutThreshold  int
	LogoutWindow     time.Duration
	LogoutRetryDelay time.Duration

	// SnapshotDelay is how long after a successful open the first snapshot is
	// attempted. It should exceed Backup.Stability.
	SnapshotDelay time.Duration
	Backup        backup.Config
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:        60 * time.Second,
		ScanWindowMin:      5 * time.Second,
		ScanWindowMax:      30 * time.Second,
		AuthReconnectDelay: 2 * time.Second,
		RestartDelay:       2 * time.Second,
		RetryDelay:         5 * time.Second,
		BackoffBase:        time.Second,
		BackoffMax:         60 * time.Second,
		MaxRetries:         5,
		ConflictStep:       5 * time.Second,
		ConflictMaxDelay:   30 * time.Second,
		ConflictMax:        3,
		ConflictCooldown:   30 * time.Second,
		LogoutThreshold:    3,
		LogoutWindow:       5 * time.Minute,
		LogoutRetryDelay:   5 * time.Second,
		SnapshotDelay:      35 * time.Second,
		Backup:             backup.DefaultConfig("", ""),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	durations := []struct{ v, def *time.Duration }{
		{&c.AuthTimeout, &d.AuthTimeout},
		{&c.ScanWindowMin, &d.ScanWindowMin},
		{&c.ScanWindowMax, &d.ScanWindowMax},
		{&c.AuthReconnectDelay, &d.AuthReconnectDelay},
		{&c.RestartDelay, &d.RestartDelay},
		{&c.RetryDelay, &d.RetryDelay},
		{&c.BackoffBase, &d.BackoffBase},
		{&c.BackoffMax, &d.BackoffMax},
		{&c.ConflictStep, &d.ConflictStep},
		{&c.ConflictMaxDelay, &d.ConflictMaxDelay},
		{&c.ConflictCooldown, &d.ConflictCooldown},
		{&c.LogoutWindow, &d.LogoutWindow},
		{&c.LogoutRetryDelay, &d.LogoutRetryDelay},
		{&c.SnapshotDelay, &d.SnapshotDelay},
	}
	for _, f := range durations {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ConflictMax <= 0 {
		c.ConflictMax = d.ConflictMax
	}
	if c.LogoutThreshold <= 0 {
		c.LogoutThreshold = d.LogoutThreshold
	}
	return c
}

// backoff returns the delay before network retry n (1-based): BackoffBase
// doubled per attempt, capped at BackoffMax.
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// conflictDelay is linear in the number of conflicts seen, capped.
func (c Config) conflictDelay(n int) time.Duration {
	d := c.ConflictStep * time.Duration(n)
	if d > c.ConflictMaxDelay {
		return c.ConflictMaxDelay
	}
	return d
}

// probableScan reports whether a disruption sinceQR after issuance falls in
// the scan window.
func (c Config) probableScan(sinceQR time.Duration) bool {
	return sinceQR >= c.ScanWindowMin && sinceQR <= c.ScanWindowMax
}
