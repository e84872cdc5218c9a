// Package session implements the per-tenant connection state machine: one
// protocol client, its QR pairing rounds, reconnection policy, stream-conflict
// escalation and credential backup/restore.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/creds"
	"github.com/shawn/session-gateway/internal/protocol"
	"github.com/shawn/session-gateway/internal/registry"
	"k8s.io/utils/clock"
)

const (
	authDirName   = "auth"
	backupDirName = "backup"

	statusTimeout = 5 * time.Second
	connectBudget = 30 * time.Second
)

// StatusSink persists status changes. registry.Client satisfies it.
type StatusSink interface {
	UpdateStatus(ctx context.Context, tenantID string, status registry.TenantStatus) error
}

// Dispatcher delivers webhook payloads without blocking the caller.
type Dispatcher interface {
	Dispatch(url string, payload any)
}

// Observer is told about state changes and policy decisions, for metrics.
type Observer interface {
	Transition(from, to string)
	QRIssued()
	Reconnect(reason string)
	Snapshot(result string)
	Restore(result string)
}

// Settings are the tenant's per-session preferences.
type Settings struct {
	AutoRead       bool   `json:"auto_read"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// Options wires a Session.
type Options struct {
	TenantID string
	// Dir is the tenant's root directory; auth/ and backup/ live below it.
	Dir        string
	Config     Config
	Factory    protocol.Factory
	Status     StatusSink
	Dispatcher Dispatcher
	Observer   Observer
	Clock      clock.WithDelayedExecution
	Logger     *slog.Logger
	Settings   Settings
}

// Info is a point-in-time view of a session.
type Info struct {
	TenantID        string    `json:"tenant_id"`
	State           State     `json:"state"`
	QR              string    `json:"qr,omitempty"`
	QRIssuedAt      time.Time `json:"qr_issued_at,omitempty"`
	AuthStartedAt   time.Time `json:"auth_started_at,omitempty"`
	Abandoned       bool      `json:"abandoned,omitempty"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
	RetryCount      int       `json:"retry_count"`
	StreamConflicts int       `json:"stream_conflicts"`
	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
	NextRetryAt     time.Time `json:"next_retry_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Settings
}

// call is one in-flight connect attempt that concurrent callers share.
type call struct {
	done chan struct{}
	err  error
}

// Session owns exactly one protocol client for one tenant.
type Session struct {
	id        string
	authDir   string
	backupDir string
	cfg       Config
	factory   protocol.Factory
	sink      StatusSink
	dispatch  Dispatcher
	obs       Observer
	clock     clock.WithDelayedExecution
	logger    *slog.Logger
	backups   *backup.Store

	restoreMu sync.Mutex

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	client   protocol.Client
	live     bool
	gen      uint64
	inflight *call

	qr             string
	qrAt           time.Time
	authAt         time.Time
	authRound      uint64
	abandoned      bool
	connectedSince time.Time
	lastActivity   time.Time
	lastErr        error

	retries       int
	conflicts     int
	cooldownUntil time.Time
	nextRetry     time.Time
	logouts       []time.Time

	retryTimer    clock.Timer
	authTimer     clock.Timer
	snapshotTimer clock.Timer

	settings Settings

	statusDirty bool
	publishing  bool
}

// New creates a session in the Uninitialized state. It does no I/O.
func New(opts Options) *Session {
	cfg := opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Status == nil {
		opts.Status = nopSink{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := opts.Logger.With("tenant", opts.TenantID)

	s := &Session{
		id:        opts.TenantID,
		authDir:   filepath.Join(opts.Dir, authDirName),
		backupDir: filepath.Join(opts.Dir, backupDirName),
		cfg:       cfg,
		factory:   opts.Factory,
		sink:      opts.Status,
		dispatch:  opts.Dispatcher,
		obs:       opts.Observer,
		clock:     opts.Clock,
		logger:    logger,
		changed:   make(chan struct{}),
		settings:  opts.Settings,
	}
	bcfg := cfg.Backup
	bcfg.AuthDir, bcfg.BackupDir = s.authDir, s.backupDir
	s.backups = backup.New(bcfg, opts.Clock, logger)
	s.obs.Transition("", Uninitialized.String())
	return s
}

func (s *Session) TenantID() string { return s.id }

// AuthDir is where the live credential bundle is kept.
func (s *Session) AuthDir() string { return s.authDir }

// Backups exposes the session's backup store.
func (s *Session) Backups() *backup.Store { return s.backups }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		TenantID:        s.id,
		State:           s.state,
		QR:              s.qr,
		QRIssuedAt:      s.qrAt,
		AuthStartedAt:   s.authAt,
		Abandoned:       s.abandoned,
		ConnectedSince:  s.connectedSince,
		LastActivity:    s.lastActivity,
		RetryCount:      s.retries,
		StreamConflicts: s.conflicts,
		CooldownUntil:   s.cooldownUntil,
		NextRetryAt:     s.nextRetry,
		Settings:        s.settings,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Err returns the error that put the session in a terminal state, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// UpdateSettings replaces the tenant's preferences.
func (s *Session) UpdateSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// Initialize loads the credential bundle, restoring from backup when it is
// missing or invalid, and connects right away if autoConnect is set. With
// autoConnect and no usable credentials it returns ErrPairingRequired and
// stays lazy.
func (s *Session) Initialize(ctx context.Context, autoConnect bool) error {
	s.mu.Lock()
	switch s.state {
	case Destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case Uninitialized:
		if err := s.transitionLocked(Initialized); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	usable := s.ensureCredentials(ctx)
	if !autoConnect {
		return nil
	}
	if !usable {
		return ErrPairingRequired
	}
	return s.Connect(ctx)
}

// ensureCredentials reports whether a valid bundle is in place, restoring one
// from backup if the live bundle is missing or broken.
func (s *Session) ensureCredentials(ctx context.Context) bool {
	rep := s.ValidateCredentials()
	if rep.Valid() {
		return true
	}
	if !creds.Exists(s.authDir) && !s.backups.HasSnapshots() {
		return false
	}
	s.logger.Warn("session: credential bundle unusable, restoring", "problems", rep.Problems)
	if _, err := s.Restore(ctx); err != nil {
		s.logger.Warn("session: restore failed", "err", err)
		return false
	}
	return true
}

// ValidateCredentials checks the live bundle on disk.
func (s *Session) ValidateCredentials() creds.Report {
	_, rep, err := creds.Load(s.authDir)
	if err != nil && len(rep.Problems) == 0 {
		rep.Problems = []string{err.Error()}
	}
	return rep
}

// HasBackups reports whether a restore could be attempted.
func (s *Session) HasBackups() bool { return s.backups.HasSnapshots() }

// Connect brings a protocol client up. It is idempotent: a session that
// already has a live client returns immediately, and concurrent callers share
// one attempt. It returns once a client exists; use AwaitConnected or AwaitQR
// to wait for the outcome.
func (s *Session) Connect(ctx context.Context) error {
	return s.connect(ctx, false, 0)
}

// Restart tears down the current client and creates a new one even if the
// session is connected.
func (s *Session) Restart(ctx context.Context) error {
	return s.connect(ctx, true, 0)
}

// RefreshQR starts a fresh pairing round. It refuses while a scan is being
// processed and does nothing for a connected session.
func (s *Session) RefreshQR(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case Authenticating:
		s.mu.Unlock()
		return ErrAuthenticationInProgress
	case Connected:
		s.mu.Unlock()
		return nil
	}
	s.qr, s.qrAt = "", time.Time{}
	s.abandoned = false
	s.mu.Unlock()
	return s.connect(ctx, true, 0)
}

// AbandonPairing gives up on a round that has not produced a code yet. The
// client is torn down and the session goes back to Initialized, so the next
// request starts a new round. It reports whether a round was dropped.
func (s *Session) AbandonPairing() bool {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return false
	}
	s.stopRetryLocked()
	client := s.client
	s.client, s.live = nil, false
	s.gen++
	s.qr, s.qrAt = "", time.Time{}
	_ = s.transitionLocked(Initialized)
	s.mu.Unlock()

	s.logger.Warn("session: no qr code in time, pairing round abandoned")
	if client != nil {
		s.teardown(client)
	}
	return true
}

// Alive reports whether a connected session's transport is still up. A client
// can die without emitting a close event; only the transport sub-state shows
// it. Sessions in any other state report true.
func (s *Session) Alive() bool {
	s.mu.Lock()
	client, state := s.client, s.state
	s.mu.Unlock()
	if state != Connected {
		return true
	}
	if client == nil {
		return false
	}
	st := protocol.TransportNone
	s.safely("transport state", func() error {
		st = client.TransportState()
		return nil
	})
	switch st {
	case protocol.TransportNone, protocol.TransportClosing, protocol.TransportClosed:
		return false
	}
	return true
}

// connect starts a dial unless one is running or a live client exists. A
// non-zero gen limits the call to that client generation: once another dial
// has replaced the client it does nothing.
func (s *Session) connect(ctx context.Context, force bool, gen uint64) error {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if gen != 0 && gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	if c := s.inflight; c != nil {
		s.mu.Unlock()
		return c.wait(ctx)
	}
	if !force && s.hasLiveClientLocked() {
		s.mu.Unlock()
		return nil
	}
	if now := s.clock.Now(); now.Before(s.cooldownUntil) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s left", ErrStreamConflictCooldown, s.cooldownUntil.Sub(now).Truncate(time.Second))
	}
	c := &call{done: make(chan struct{})}
	s.inflight = c
	s.mu.Unlock()

	c.err = s.dial(ctx)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(c.done)
	return c.err
}

func (c *call) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) hasLiveClientLocked() bool {
	switch s.state {
	case Authenticating:
		// The auth round schedules its own reconnects.
		return true
	case Connecting, QRPending, Connected:
		return s.client != nil && s.live
	}
	return false
}

// dial replaces the current client with a new one. Only one dial runs at a
// time per session (see connect).
func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	s.stopRetryLocked()
	old := s.client
	s.client, s.live = nil, false
	s.gen++
	gen := s.gen
	if s.state == Uninitialized {
		_ = s.transitionLocked(Initialized)
	}
	switch s.state {
	case Authenticating:
		// Keep the auth round across the reconnect.
	case Connecting:
		s.qr, s.qrAt = "", time.Time{}
	default:
		if s.state == Failed {
			s.retries = 0
		}
		s.qr, s.qrAt = "", time.Time{}
		s.abandoned = false
		if err := s.transitionLocked(Connecting); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if old != nil {
		s.teardown(old)
	}

	client, err := s.factory.NewClient(protocol.Options{
		TenantID: s.id,
		AuthDir:  s.authDir,
		Logger:   s.logger,
	})
	if err != nil {
		s.onDialError(gen, fmt.Errorf("create client: %w", err))
		return s.dialResult(err)
	}
	client.AddEventHandler(func(ev protocol.Event) { s.handleEvent(gen, ev) })

	s.mu.Lock()
	if s.gen != gen || s.state == Destroyed {
		s.mu.Unlock()
		s.teardown(client)
		return ErrDestroyed
	}
	s.client, s.live = client, true
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		s.onDialError(gen, err)
		return s.dialResult(err)
	}
	return nil
}

func (s *Session) onDialError(gen uint64, err error) {
	s.logger.Warn("session: connect failed", "err", err)
	s.handleEvent(gen, protocol.ConnectionEvent{
		State:  protocol.ConnClose,
		Reason: protocol.ReasonConnectionLost,
		Err:    err,
	})
}

// dialResult hides a failed dial from the caller unless the retry budget is
// spent.
func (s *Session) dialResult(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed {
		return fmt.Errorf("%w: %v", ErrTransientConnection, err)
	}
	return nil
}

// AwaitQR waits for a pairing code. It returns an empty code if the session
// connected instead, and ErrAuthenticationInProgress if a scan is underway.
func (s *Session) AwaitQR(ctx context.Context) (string, error) {
	var code string
	err := s.await(ctx, func() (bool, error) {
		switch s.state {
		case QRPending:
			code = s.qr
			return code != "", nil
		case Connected:
			return true, nil
		case Authenticating:
			return false, ErrAuthenticationInProgress
		}
		return false, s.terminalErrLocked()
	})
	return code, err
}

// AwaitConnected waits until the session is connected or gives up.
func (s *Session) AwaitConnected(ctx context.Context) error {
	return s.await(ctx, func() (bool, error) {
		if s.state == Connected {
			return true, nil
		}
		return false, s.terminalErrLocked()
	})
}

func (s *Session) terminalErrLocked() error {
	switch s.state {
	case Destroyed:
		return ErrDestroyed
	case LoggedOut:
		if s.lastErr != nil {
			return s.lastErr
		}
		return ErrPairingRequired
	case Failed:
		if s.lastErr != nil {
			return s.lastErr
		}
		return ErrTransientConnection
	}
	return nil
}

// await blocks until cond (evaluated under the lock) is satisfied, fails, or
// ctx ends. cond is re-evaluated on every state change.
func (s *Session) await(ctx context.Context, cond func() (bool, error)) error {
	for {
		s.mu.Lock()
		ok, err := cond()
		ch := s.changed
		s.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// transitionLocked moves to `to` if the transition table allows it.
func (s *Session) transitionLocked(to State) error {
	from := s.state
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		s.logger.Warn("session: rejected transition", "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, from, to)
	}
	s.state = to
	s.logger.Debug("session: transition", "from", from, "to", to)
	s.obs.Transition(from.String(), to.String())
	s.broadcastLocked()
	s.markStatusLocked()
	return nil
}

// markStatusLocked schedules the current status for persistence. Writes are
// coalesced so the store always ends up with the latest state.
func (s *Session) markStatusLocked() {
	if s.state == Destroyed {
		return
	}
	s.statusDirty = true
	if s.publishing {
		return
	}
	s.publishing = true
	go s.publishStatus()
}

func (s *Session) publishStatus() {
	for {
		s.mu.Lock()
		if !s.statusDirty || s.state == Destroyed {
			s.statusDirty = false
			s.publishing = false
			s.mu.Unlock()
			return
		}
		s.statusDirty = false
		status := s.state.Status()
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		if err := s.sink.UpdateStatus(ctx, s.id, status); err != nil {
			s.logger.Warn("session: status update failed", "status", status, "err", err)
		}
		cancel()
	}
}

// Logout unlinks the device, tears the client down and erases the local
// bundle. The session stays usable for a fresh pairing round.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.stopTimersLocked()
	client := s.client
	s.client, s.live = nil, false
	s.gen++
	s.resetAuthLocked()
	s.connectedSince = time.Time{}
	s.lastErr = ErrPairingRequired
	if s.state == Uninitialized {
		_ = s.transitionLocked(Initialized)
	}
	_ = s.transitionLocked(LoggedOut)
	s.mu.Unlock()

	if client != nil {
		if client.TransportState() == protocol.TransportOpen {
			s.safely("logout", func() error { return client.Logout(ctx) })
		}
		s.teardown(client)
	}
	if err := creds.Erase(s.authDir); err != nil {
		s.logger.Warn("session: erase credentials failed", "err", err)
	}
	s.logger.Info("session: logged out")
	return nil
}

// Destroy stops the session for good. It never fails: every cleanup step is
// attempted and failures are only logged.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return
	}
	// Destroyed first, so timers and event handlers already in flight no-op.
	_ = s.transitionLocked(Destroyed)
	s.stopTimersLocked()
	client := s.client
	s.client, s.live = nil, false
	s.gen++
	s.mu.Unlock()

	if client != nil {
		s.teardown(client)
	}
	s.logger.Info("session: destroyed")
}

// teardown detaches handlers before touching the transport and only closes a
// transport that reports a live sub-state.
func (s *Session) teardown(c protocol.Client) {
	s.safely("remove handlers", func() error {
		c.RemoveEventHandlers()
		return nil
	})
	var st protocol.TransportState
	s.safely("transport state", func() error {
		st = c.TransportState()
		return nil
	})
	switch st {
	case protocol.TransportNone, protocol.TransportClosing, protocol.TransportClosed:
		s.logger.Debug("session: transport already down", "transport", st)
		return
	}
	s.safely("disconnect", c.Disconnect)
}

// safely runs one cleanup step, logging errors and panics.
func (s *Session) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("session: cleanup panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("session: cleanup failed", "step", step, "err", err)
	}
}

func (s *Session) stopTimersLocked() {
	s.stopRetryLocked()
	stopTimer(&s.authTimer)
	stopTimer(&s.snapshotTimer)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// after runs fn on its own goroutine once d has passed on the session clock.
// Fake clocks fire callbacks while holding their own lock, so fn must not run
// inline.
func (s *Session) after(d time.Duration, fn func()) clock.Timer {
	return s.clock.AfterFunc(d, func() { go fn() })
}

// SendText sends a text message through the connected client.
func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	client, state := s.client, s.state
	s.mu.Unlock()
	if state != Connected || client == nil {
		return "", fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	id, err := client.SendText(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	return id, nil
}

// CreateSnapshot backs up the live bundle if the integrity gate allows it.
func (s *Session) CreateSnapshot(ctx context.Context) (*backup.Snapshot, error) {
	s.mu.Lock()
	gate := backup.Gate{
		Authenticating: s.state == Authenticating,
		StreamConflict: s.conflicts > 0 || s.clock.Now().Before(s.cooldownUntil),
	}
	if s.state == Connected {
		gate.ConnectedSince = s.connectedSince
	}
	s.mu.Unlock()

	snap, err := s.backups.CreateSnapshot(ctx, gate)
	switch {
	case err == nil:
		s.obs.Snapshot("created")
	case errors.Is(err, backup.ErrGateRefused):
		s.obs.Snapshot("refused")
	default:
		s.obs.Snapshot("error")
	}
	return snap, err
}

// Restore installs the newest valid snapshot. Only one restore runs at a time.
// Running out of snapshots is reported as ErrCredentialsInvalidated.
func (s *Session) Restore(ctx context.Context) (*backup.Snapshot, error) {
	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()

	snap, err := s.backups.RestoreSequential(ctx)
	if err != nil {
		s.obs.Restore("failed")
		if errors.Is(err, backup.ErrBackupUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrCredentialsInvalidated, err)
		}
		return nil, err
	}
	s.obs.Restore("restored")
	return snap, nil
}

type nopSink struct{}

func (nopSink) UpdateStatus(context.Context, string, registry.TenantStatus) error { return nil }

type nopObserver struct{}

func (nopObserver) Transition(string, string) {}
func (nopObserver) QRIssued()                 {}
func (nopObserver) Reconnect(string)          {}
func (nopObserver) Snapshot(string)           {}
func (nopObserver) Restore(string)            {}
