package backup_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/creds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type fixture struct {
	store     *backup.Store
	clock     *clocktesting.FakeClock
	authDir   string
	backupDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		clock:     clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		authDir:   filepath.Join(root, "auth"),
		backupDir: filepath.Join(root, "backup"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.store = backup.New(backup.DefaultConfig(f.authDir, f.backupDir), f.clock, logger)
	return f
}

func (f *fixture) writeLive(t *testing.T, me string) []byte {
	t.Helper()
	b, err := creds.NewBundle(me)
	require.NoError(t, err)
	raw, err := b.Marshal()
	require.NoError(t, err)
	require.NoError(t, creds.Save(f.authDir, raw))
	return raw
}

// stableGate returns a gate for a session connected long enough ago.
func (f *fixture) stableGate() backup.Gate {
	return backup.Gate{ConnectedSince: f.clock.Now().Add(-time.Minute)}
}

func (f *fixture) snapshot(t *testing.T) *backup.Snapshot {
	t.Helper()
	snap, err := f.store.CreateSnapshot(context.Background(), f.stableGate())
	require.NoError(t, err)
	return snap
}

func TestCreateSnapshot_RefusedWhileAuthenticating(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")

	gate := f.stableGate()
	gate.Authenticating = true
	_, err := f.store.CreateSnapshot(context.Background(), gate)
	assert.ErrorIs(t, err, backup.ErrGateRefused)

	_, statErr := os.Stat(f.backupDir)
	assert.True(t, os.IsNotExist(statErr), "no snapshot files may be written")
	assert.False(t, f.store.HasSnapshots())
}

func TestCreateSnapshot_RefusedBeforeStable(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")

	gate := backup.Gate{ConnectedSince: f.clock.Now().Add(-10 * time.Second)}
	_, err := f.store.CreateSnapshot(context.Background(), gate)
	assert.ErrorIs(t, err, backup.ErrGateRefused)

	_, err = f.store.CreateSnapshot(context.Background(), backup.Gate{StreamConflict: true, ConnectedSince: gate.ConnectedSince})
	assert.ErrorIs(t, err, backup.ErrGateRefused)
}

func TestCreateSnapshot_SucceedsAfterStability(t *testing.T) {
	f := newFixture(t)
	raw := f.writeLive(t, "15550001111@s.whatsapp.net")

	connected := f.clock.Now()
	f.clock.Step(31 * time.Second)

	snap, err := f.store.CreateSnapshot(context.Background(), backup.Gate{ConnectedSince: connected})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.ID, "snap-"))
	assert.InDelta(t, 1.0, snap.Score, 0.001)

	latest, err := os.ReadFile(filepath.Join(f.backupDir, "latest", creds.BundleFile))
	require.NoError(t, err)
	assert.Equal(t, raw, latest)

	meta, err := f.store.Metadata()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Snapshots)
	assert.Equal(t, snap.ID, meta.LastSnapshot)
}

func TestCreateSnapshot_OnlyCopiesCoreFile(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")
	require.NoError(t, creds.SaveKey(f.authDir, "session-1555.0.json", []byte(`{"ratchet":1}`)))

	snap := f.snapshot(t)

	entries, err := os.ReadDir(filepath.Join(f.backupDir, snap.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, creds.BundleFile, entries[0].Name())
}

func TestCreateSnapshot_RefusesIncompleteBundle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, creds.Save(f.authDir, []byte(`{"registrationId": 5}`)))

	_, err := f.store.CreateSnapshot(context.Background(), f.stableGate())
	assert.ErrorIs(t, err, backup.ErrGateRefused)
}

func TestCreateSnapshot_Retention(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")

	var ids []string
	for i := 0; i < 7; i++ {
		ids = append(ids, f.snapshot(t).ID)
		f.clock.Step(time.Minute)
	}

	list, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, ids[6], list[0].ID, "newest first")
	assert.Equal(t, ids[2], list[4].ID, "two oldest evicted")

	_, err = os.Stat(filepath.Join(f.backupDir, ids[0]))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.backupDir, ids[0]+".json"))
	assert.True(t, os.IsNotExist(err), "sidecar evicted with its snapshot")
}

func TestRestoreSequential_SkipsInvalidNewest(t *testing.T) {
	f := newFixture(t)

	f.writeLive(t, "oldest@s.whatsapp.net")
	oldest := f.snapshot(t)
	f.clock.Step(time.Minute)

	middleRaw := f.writeLive(t, "middle@s.whatsapp.net")
	middle := f.snapshot(t)
	f.clock.Step(time.Minute)

	f.writeLive(t, "newest@s.whatsapp.net")
	newest := f.snapshot(t)

	// Corrupt everything except the second-newest snapshot.
	garbage := []byte(`{"noiseKey": 1}`)
	for _, id := range []string{newest.ID, oldest.ID, "latest"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.backupDir, id, creds.BundleFile), garbage, 0o600))
	}
	require.NoError(t, creds.Save(f.authDir, []byte("corrupt live bundle")))

	snap, err := f.store.RestoreSequential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, middle.ID, snap.ID)

	live, err := os.ReadFile(creds.Path(f.authDir))
	require.NoError(t, err)
	assert.Equal(t, middleRaw, live, "live bundle matches the snapshot byte-for-byte")

	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	var forensic []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "forensic-") {
			forensic = append(forensic, e.Name())
		}
	}
	require.Len(t, forensic, 1)
	archived, err := os.ReadFile(filepath.Join(f.backupDir, forensic[0], creds.BundleFile))
	require.NoError(t, err)
	assert.Equal(t, "corrupt live bundle", string(archived))

	meta, err := f.store.Metadata()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Restores)
	assert.Equal(t, middle.ID, meta.LastRestore)
}

func TestRestoreSequential_RejectsTooOld(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")
	f.snapshot(t)

	f.clock.Step(25 * time.Hour)

	_, err := f.store.RestoreSequential(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupUnavailable)
}

func TestRestoreSequential_RejectsChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")
	snap := f.snapshot(t)

	// A structurally valid bundle that is not the one recorded in the sidecar.
	other, err := creds.NewBundle("someone-else@s.whatsapp.net")
	require.NoError(t, err)
	otherRaw, err := other.Marshal()
	require.NoError(t, err)
	for _, id := range []string{snap.ID, "latest"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.backupDir, id, creds.BundleFile), otherRaw, 0o600))
	}

	_, err = f.store.RestoreSequential(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupUnavailable)
}

func TestRestoreSequential_NoBackups(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.RestoreSequential(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupUnavailable)
	assert.False(t, f.store.HasSnapshots())
}

func TestSidecarRecordsChecksum(t *testing.T) {
	f := newFixture(t)
	f.writeLive(t, "15550001111@s.whatsapp.net")
	snap := f.snapshot(t)

	b, err := os.ReadFile(filepath.Join(f.backupDir, snap.ID+".json"))
	require.NoError(t, err)
	var got backup.Snapshot
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, snap.Checksum, got.Checksum)
	assert.NotZero(t, got.Size)
}
