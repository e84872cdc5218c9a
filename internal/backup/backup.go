// Package backup keeps versioned, integrity-checked snapshots of a tenant's
// credential bundle and restores the newest usable one on demand.
//
// Layout under the backup directory:
//
//	snap-<ts>/creds.json   timestamped snapshot
//	snap-<ts>.json         sidecar metadata (checksum, score, creation time)
//	latest/creds.json      mirror of the newest valid snapshot
//	latest.json            sidecar for latest
//	forensic-<ts>/         live bundle archived before a restore replaced it
//	metadata.json          store-wide counters
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shawn/session-gateway/internal/creds"
	"k8s.io/utils/clock"
)

const (
	snapPrefix     = "snap-"
	forensicPrefix = "forensic-"
	latestName     = "latest"
	metadataFile   = "metadata.json"
	stampLayout    = "20060102T150405.000000000Z"
)

var (
	// ErrGateRefused is returned when the integrity gate rejects a snapshot.
	ErrGateRefused = errors.New("snapshot refused by integrity gate")
	// ErrBackupUnavailable is returned when no snapshot could be restored.
	ErrBackupUnavailable = errors.New("no valid backup available")
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Config configures a Store.
type Config struct {
	AuthDir   string
	BackupDir string
	// Retain is the number of timestamped snapshots kept.
	Retain int
	// MaxAge rejects older snapshots on restore.
	MaxAge time.Duration
	// MinScore is the completeness score a bundle needs to be snapshotted.
	MinScore float64
	// Stability is how long the session must have been connected.
	Stability time.Duration
}

// DefaultConfig returns the standard retention and gate settings.
func DefaultConfig(authDir, backupDir string) Config {
	return Config{
		AuthDir:   authDir,
		BackupDir: backupDir,
		Retain:    5,
		MaxAge:    24 * time.Hour,
		MinScore:  0.7,
		Stability: 30 * time.Second,
	}
}

// Gate is the session state the integrity gate looks at.
type Gate struct {
	// ConnectedSince is zero while the session is not connected.
	ConnectedSince time.Time
	Authenticating bool
	StreamConflict bool
}

// Snapshot describes one stored snapshot.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  uint32    `json:"checksum"`
	Size      int       `json:"size"`
	Score     float64   `json:"score"`
}

// Metadata holds store-wide counters.
type Metadata struct {
	Snapshots      int       `json:"snapshots"`
	LastSnapshot   string    `json:"last_snapshot,omitempty"`
	LastSnapshotAt time.Time `json:"last_snapshot_at,omitempty"`
	Restores       int       `json:"restores"`
	LastRestore    string    `json:"last_restore,omitempty"`
	LastRestoreAt  time.Time `json:"last_restore_at,omitempty"`
}

// Store is the per-tenant backup store.
type Store struct {
	cfg    Config
	clock  clock.PassiveClock
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Store. Zero config values fall back to DefaultConfig.
func New(cfg Config, clk clock.PassiveClock, logger *slog.Logger) *Store {
	def := DefaultConfig(cfg.AuthDir, cfg.BackupDir)
	if cfg.Retain <= 0 {
		cfg.Retain = def.Retain
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.Stability <= 0 {
		cfg.Stability = def.Stability
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, clock: clk, logger: logger}
}

func refused(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGateRefused, fmt.Sprintf(format, args...))
}

// CheckGate applies the integrity gate without touching the filesystem.
func (s *Store) CheckGate(g Gate) error {
	switch {
	case g.Authenticating:
		return refused("authentication in progress")
	case g.StreamConflict:
		return refused("stream conflict active")
	case g.ConnectedSince.IsZero():
		return refused("session not connected")
	}
	if up := s.clock.Since(g.ConnectedSince); up < s.cfg.Stability {
		return refused("session stable for %s, need %s", up.Truncate(time.Second), s.cfg.Stability)
	}
	return nil
}

// CreateSnapshot copies the core credentials file into a new timestamped
// snapshot, mirrors it to latest and evicts snapshots beyond the retention
// limit. Nothing is written when the gate refuses.
func (s *Store) CreateSnapshot(ctx context.Context, g Gate) (*Snapshot, error) {
	if err := s.CheckGate(g); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, rep, err := creds.Load(s.cfg.AuthDir)
	if err != nil {
		return nil, refused("live bundle: %v", err)
	}
	if rep.Score < s.cfg.MinScore {
		return nil, refused("completeness %.2f below %.2f", rep.Score, s.cfg.MinScore)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	id := s.newID(now)
	snap := &Snapshot{
		ID:        id,
		CreatedAt: now,
		Checksum:  crc32.Checksum(raw, crcTable),
		Size:      len(raw),
		Score:     rep.Score,
	}
	dir := filepath.Join(s.cfg.BackupDir, id)
	if err := creds.Save(dir, raw); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.verify(dir, snap); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("verify snapshot: %w", err)
	}
	if err := writeSidecar(s.sidecarPath(id), snap); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write sidecar: %w", err)
	}

	if err := creds.Save(filepath.Join(s.cfg.BackupDir, latestName), raw); err != nil {
		return nil, fmt.Errorf("update latest: %w", err)
	}
	if err := writeSidecar(s.sidecarPath(latestName), snap); err != nil {
		return nil, fmt.Errorf("update latest sidecar: %w", err)
	}

	s.evict(snapPrefix)
	if err := s.updateMetadata(func(m *Metadata) {
		m.Snapshots = len(s.timestamped(snapPrefix))
		m.LastSnapshot = id
		m.LastSnapshotAt = now
	}); err != nil {
		s.logger.Warn("backup: metadata update failed", "err", err)
	}
	s.logger.Info("backup: snapshot created", "snapshot", id, "score", rep.Score, "size", len(raw))
	return snap, nil
}

// RestoreSequential walks candidates newest-first and installs the first one
// that is recent enough and structurally valid. The live bundle it replaces is
// archived first. ErrBackupUnavailable means a fresh pairing is required.
func (s *Store) RestoreSequential(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.candidates() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, snap, err := s.load(id)
		if err != nil {
			s.logger.Warn("backup: skipping candidate", "snapshot", id, "err", err)
			continue
		}
		if creds.Exists(s.cfg.AuthDir) {
			if err := s.archiveLive(); err != nil {
				s.logger.Warn("backup: archive of live bundle failed", "err", err)
			}
		}
		if err := creds.Save(s.cfg.AuthDir, raw); err != nil {
			return nil, fmt.Errorf("install snapshot %s: %w", id, err)
		}
		now := s.clock.Now().UTC()
		if err := s.updateMetadata(func(m *Metadata) {
			m.Restores++
			m.LastRestore = snap.ID
			m.LastRestoreAt = now
		}); err != nil {
			s.logger.Warn("backup: metadata update failed", "err", err)
		}
		s.logger.Info("backup: restored", "snapshot", id, "created_at", snap.CreatedAt)
		return snap, nil
	}
	return nil, ErrBackupUnavailable
}

// HasSnapshots reports whether any restore candidate exists on disk.
func (s *Store) HasSnapshots() bool {
	for _, id := range s.candidates() {
		if creds.Exists(filepath.Join(s.cfg.BackupDir, id)) {
			return true
		}
	}
	return false
}

// List returns the timestamped snapshots, newest first.
func (s *Store) List() ([]Snapshot, error) {
	var out []Snapshot
	for _, id := range s.timestamped(snapPrefix) {
		snap, err := readSidecar(s.sidecarPath(id))
		if err != nil {
			continue
		}
		out = append(out, *snap)
	}
	return out, nil
}

// Metadata returns the store-wide counters.
func (s *Store) Metadata() (Metadata, error) {
	var m Metadata
	b, err := os.ReadFile(filepath.Join(s.cfg.BackupDir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(b, &m)
}

// load reads candidate id and runs every restore check on it.
func (s *Store) load(id string) ([]byte, *Snapshot, error) {
	dir := filepath.Join(s.cfg.BackupDir, id)
	raw, err := os.ReadFile(creds.Path(dir))
	if err != nil {
		return nil, nil, err
	}
	snap, err := readSidecar(s.sidecarPath(id))
	if err != nil {
		return nil, nil, fmt.Errorf("sidecar: %w", err)
	}
	if age := s.clock.Since(snap.CreatedAt); age > s.cfg.MaxAge {
		return nil, nil, fmt.Errorf("snapshot is %s old, max %s", age.Truncate(time.Second), s.cfg.MaxAge)
	}
	if sum := crc32.Checksum(raw, crcTable); sum != snap.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: %08x != %08x", sum, snap.Checksum)
	}
	if err := creds.Validate(raw).Err(); err != nil {
		return nil, nil, err
	}
	return raw, snap, nil
}

func (s *Store) verify(dir string, want *Snapshot) error {
	raw, rep, err := creds.Load(dir)
	if err != nil {
		return err
	}
	if crc32.Checksum(raw, crcTable) != want.Checksum {
		return errors.New("copy checksum mismatch")
	}
	if rep.Score < s.cfg.MinScore {
		return fmt.Errorf("copy completeness %.2f", rep.Score)
	}
	return nil
}

func (s *Store) archiveLive() error {
	id := s.newIDWithPrefix(forensicPrefix, s.clock.Now().UTC())
	if err := creds.CopyFile(creds.Path(s.cfg.AuthDir), creds.Path(filepath.Join(s.cfg.BackupDir, id))); err != nil {
		return err
	}
	s.evict(forensicPrefix)
	return nil
}

// candidates lists latest followed by the timestamped snapshots, newest first.
func (s *Store) candidates() []string {
	ids := []string{}
	if _, err := os.Stat(filepath.Join(s.cfg.BackupDir, latestName)); err == nil {
		ids = append(ids, latestName)
	}
	return append(ids, s.timestamped(snapPrefix)...)
}

// timestamped returns directory names with prefix, newest first.
func (s *Store) timestamped(prefix string) []string {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

func (s *Store) evict(prefix string) {
	ids := s.timestamped(prefix)
	if len(ids) <= s.cfg.Retain {
		return
	}
	for _, id := range ids[s.cfg.Retain:] {
		if err := os.RemoveAll(filepath.Join(s.cfg.BackupDir, id)); err != nil {
			s.logger.Warn("backup: evict failed", "snapshot", id, "err", err)
			continue
		}
		_ = os.Remove(s.sidecarPath(id))
		s.logger.Debug("backup: evicted", "snapshot", id)
	}
}

func (s *Store) newID(now time.Time) string { return s.newIDWithPrefix(snapPrefix, now) }

// newIDWithPrefix returns an unused sortable id; same-instant collisions get
// a numeric suffix.
func (s *Store) newIDWithPrefix(prefix string, now time.Time) string {
	base := prefix + now.Format(stampLayout)
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(s.cfg.BackupDir, id)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s-%02d", base, i)
	}
}

func (s *Store) sidecarPath(id string) string {
	return filepath.Join(s.cfg.BackupDir, id+".json")
}

func (s *Store) updateMetadata(fn func(*Metadata)) error {
	m, err := s.Metadata()
	if err != nil {
		m = Metadata{}
	}
	fn(&m)
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return creds.WriteFile(filepath.Join(s.cfg.BackupDir, metadataFile), b, 0o600)
}

func writeSidecar(path string, snap *Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return creds.WriteFile(path, b, 0o600)
}

func readSidecar(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
