// Package manager keeps the registry of live sessions: it creates and removes
// them, recovers them after restarts and disconnects, and arbitrates QR codes
// for external callers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/lock"
	"github.com/shawn/session-gateway/internal/protocol"
	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/session"
	"k8s.io/utils/clock"
)

var (
	ErrConcurrencyLimitExceeded = errors.New("concurrent session limit reached")
	ErrTenantExists             = errors.New("tenant already exists")
	ErrTenantNotFound           = errors.New("tenant not found")
	// ErrRecoveryInProgress means another trigger holds the tenant's recovery
	// lock. Retry later.
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	// ErrQRTimeout means no code arrived within the wait budget. Retryable.
	ErrQRTimeout         = errors.New("timed out waiting for QR code")
	ErrInvalidTenantID   = errors.New("invalid tenant id")
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	DataDir        string
	MaxSessions    int
	HealthInterval time.Duration
	// QRValidity is how long an issued code is handed out again unchanged.
	QRValidity time.Duration
	// QRWait bounds how long RequestQR waits for a new code.
	QRWait time.Duration
	// LockTTL bounds how long a crashed holder can keep a recovery lock.
	LockTTL time.Duration
	// RecoveryStagger spaces reconnects so a restart does not hit the
	// provider with every tenant at once. Zero disables it.
	RecoveryStagger time.Duration
	Session         session.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:         "data",
		MaxSessions:     100,
		HealthInterval:  30 * time.Second,
		QRValidity:      20 * time.Second,
		QRWait:          5 * time.Second,
		LockTTL:         2 * time.Minute,
		RecoveryStagger: 2 * time.Second,
		Session:         session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.QRValidity <= 0 {
		c.QRValidity = d.QRValidity
	}
	if c.QRWait <= 0 {
		c.QRWait = d.QRWait
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.RecoveryStagger < 0 {
		c.RecoveryStagger = 0
	}
	return c
}

// Metrics is the manager's view of the metrics sink.
type Metrics interface {
	session.Observer
	HealthCheck()
}

// Deps are the manager's collaborators.
type Deps struct {
	Registry   registry.Client
	Locker     lock.Locker
	Factory    protocol.Factory
	Dispatcher session.Dispatcher
	Clock      clock.WithTickerAndDelayedExecution
	Metrics    Metrics
	Logger     *slog.Logger
}

// Manager owns every Session in this process.
type Manager struct {
	cfg      Config
	reg      registry.Client
	locker   lock.Locker
	factory  protocol.Factory
	dispatch session.Dispatcher
	clock    clock.WithTickerAndDelayedExecution
	metrics  Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a manager with no sessions. Call RestoreAll or Run to load
// persisted tenants.
func New(cfg Config, deps Deps) *Manager {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		reg:      deps.Registry,
		locker:   deps.Locker,
		factory:  deps.Factory,
		dispatch: deps.Dispatcher,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		sessions: make(map[string]*session.Session),
	}
}

// CreateRequest describes a new tenant.
type CreateRequest struct {
	TenantID       string `json:"tenant_id"`
	DisplayName    string `json:"display_name,omitempty"`
	OwnerUserID    string `json:"owner_user_id,omitempty"`
	AutoRead       bool   `json:"auto_read"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// CreateSession registers a tenant, persists its record and initializes its
// session. The session connects right away only if a usable bundle (or a
// restorable backup) exists; otherwise it waits for a QR request.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (session.Info, error) {
	if !tenantIDPattern.MatchString(req.TenantID) {
		return session.Info{}, fmt.Errorf("%w: %q", ErrInvalidTenantID, req.TenantID)
	}
	if req.WebhookEnabled {
		if err := validateWebhookURL(req.WebhookURL); err != nil {
			return session.Info{}, err
		}
	}

	now := m.clock.Now().UTC()
	rec := &registry.TenantRecord{
		TenantID:        req.TenantID,
		DisplayName:     req.DisplayName,
		Status:          registry.StatusPending,
		AutoReadEnabled: req.AutoRead,
		WebhookEnabled:  req.WebhookEnabled,
		WebhookURL:      req.WebhookURL,
		OwnerUserID:     req.OwnerUserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	if _, ok := m.sessions[req.TenantID]; ok {
		m.mu.Unlock()
		return session.Info{}, fmt.Errorf("%w: %s", ErrTenantExists, req.TenantID)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return session.Info{}, fmt.Errorf("%w (%d)", ErrConcurrencyLimitExceeded, m.cfg.MaxSessions)
	}
	s := m.newSession(rec)
	m.sessions[req.TenantID] = s
	m.mu.Unlock()

	if err := m.reg.CreateTenant(ctx, rec); err != nil {
		m.remove(req.TenantID)
		s.Destroy()
		var ccf *registry.ConditionalCheckFailed
		if errors.As(err, &ccf) {
			return session.Info{}, fmt.Errorf("%w: %s", ErrTenantExists, req.TenantID)
		}
		return session.Info{}, fmt.Errorf("create tenant record: %w", err)
	}

	err := s.Initialize(ctx, true)
	switch {
	case err == nil:
		m.logger.Info("manager: session created, connecting with stored credentials", "tenant", req.TenantID)
	case errors.Is(err, session.ErrPairingRequired):
		m.logger.Info("manager: session created, awaiting pairing", "tenant", req.TenantID)
	default:
		m.logger.Warn("manager: session created but initial connect failed", "tenant", req.TenantID, "err", err)
	}
	return s.Info(), nil
}

func (m *Manager) newSession(rec *registry.TenantRecord) *session.Session {
	return session.New(session.Options{
		TenantID:   rec.TenantID,
		Dir:        m.tenantDir(rec.TenantID),
		Config:     m.cfg.Session,
		Factory:    m.factory,
		Status:     m.reg,
		Dispatcher: m.dispatch,
		Observer:   m.metrics,
		Clock:      m.clock,
		Logger:     m.logger,
		Settings: session.Settings{
			AutoRead:       rec.AutoReadEnabled,
			WebhookEnabled: rec.WebhookEnabled,
			WebhookURL:     rec.WebhookURL,
		},
	})
}

func (m *Manager) tenantDir(tenantID string) string {
	return filepath.Join(m.cfg.DataDir, tenantID)
}

func (m *Manager) remove(tenantID string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	return s
}

// Get returns the live session for tenantID.
func (m *Manager) Get(tenantID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return s, nil
}

// snapshot returns the current sessions ordered by tenant id.
func (m *Manager) snapshot() []*session.Session {
	m.mu.RLock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID() < out[j].TenantID() })
	return out
}

// List returns a status view of every session, ordered by tenant id.
func (m *Manager) List() []session.Info {
	sessions := m.snapshot()
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Status returns the status view of one session.
func (m *Manager) Status(tenantID string) (session.Info, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}

// SettingsUpdate changes tenant preferences. Nil fields are left alone.
type SettingsUpdate struct {
	DisplayName    *string `json:"display_name,omitempty"`
	AutoRead       *bool   `json:"auto_read,omitempty"`
	WebhookEnabled *bool   `json:"webhook_enabled,omitempty"`
	WebhookURL     *string `json:"webhook_url,omitempty"`
}

// UpdateSettings persists the changed preferences and applies them to the
// running session.
func (m *Manager) UpdateSettings(ctx context.Context, tenantID string, upd SettingsUpdate) (session.Info, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return session.Info{}, err
	}
	st := s.Info().Settings
	if upd.AutoRead != nil {
		st.AutoRead = *upd.AutoRead
	}
	webhookChanged := upd.WebhookEnabled != nil || upd.WebhookURL != nil
	if upd.WebhookEnabled != nil {
		st.WebhookEnabled = *upd.WebhookEnabled
	}
	if upd.WebhookURL != nil {
		st.WebhookURL = *upd.WebhookURL
	}
	if st.WebhookEnabled && webhookChanged {
		if err := validateWebhookURL(st.WebhookURL); err != nil {
			return session.Info{}, err
		}
	}

	if upd.DisplayName != nil {
		if err := m.reg.UpdateDisplayName(ctx, tenantID, *upd.DisplayName); err != nil {
			return session.Info{}, fmt.Errorf("update display name: %w", err)
		}
	}
	if upd.AutoRead != nil {
		if err := m.reg.UpdateAutoRead(ctx, tenantID, st.AutoRead); err != nil {
			return session.Info{}, fmt.Errorf("update auto-read: %w", err)
		}
	}
	if webhookChanged {
		if err := m.reg.UpdateWebhook(ctx, tenantID, st.WebhookEnabled, st.WebhookURL); err != nil {
			return session.Info{}, fmt.Errorf("update webhook: %w", err)
		}
	}
	s.UpdateSettings(st)
	return s.Info(), nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWebhookURL, raw)
	}
	return nil
}

// Logout unlinks the tenant's device and erases its credentials. The session
// stays registered so a new QR can be requested.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	s, err := m.Get(tenantID)
	if err != nil {
		return err
	}
	if err := s.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.logger.Info("manager: tenant logged out", "tenant", tenantID)
	return nil
}

// Delete logs the tenant out, removes its directory and its record.
func (m *Manager) Delete(ctx context.Context, tenantID string) error {
	s := m.remove(tenantID)
	if s == nil {
		rec, err := m.reg.GetTenant(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("get tenant: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
	} else {
		if err := s.Logout(ctx); err != nil {
			m.logger.Warn("manager: logout before delete failed", "tenant", tenantID, "err", err)
		}
		s.Destroy()
	}

	if err := os.RemoveAll(m.tenantDir(tenantID)); err != nil {
		m.logger.Warn("manager: remove tenant directory failed", "tenant", tenantID, "err", err)
	}
	if err := m.reg.DeleteTenant(ctx, tenantID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("delete tenant record: %w", err)
	}
	m.logger.Info("manager: tenant deleted", "tenant", tenantID)
	return nil
}

// Reconnect is the manual recovery trigger. It shares the per-tenant lock
// with the health monitor, so it never races another recovery into a second
// client. A session that is connected or mid-handshake is left alone.
func (m *Manager) Reconnect(ctx context.Context, tenantID string) (session.Info, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return session.Info{}, err
	}
	release, err := m.tryLock(ctx, tenantID)
	if err != nil {
		return session.Info{}, err
	}
	defer release()

	m.metrics.Reconnect("manual")
	if err := m.recover(ctx, s); err != nil {
		return s.Info(), err
	}
	return s.Info(), nil
}

// recover restores a broken bundle if possible and connects.
func (m *Manager) recover(ctx context.Context, s *session.Session) error {
	st := s.State()
	switch {
	case st == session.Destroyed:
		return session.ErrDestroyed
	case st.Busy():
		return nil
	case st == session.Connected && s.Alive():
		return nil
	}
	if !s.ValidateCredentials().Valid() {
		if !s.HasBackups() {
			return session.ErrPairingRequired
		}
		if _, err := s.Restore(ctx); err != nil {
			return err
		}
	}
	if st == session.Connected {
		// The transport died under a connected session; replace the client.
		return s.Restart(ctx)
	}
	return s.Connect(ctx)
}

// tryLock takes the tenant's recovery lock without waiting.
func (m *Manager) tryLock(ctx context.Context, tenantID string) (func(), error) {
	ok, err := m.locker.AcquireRecoveryLock(ctx, tenantID, m.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire recovery lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecoveryInProgress, tenantID)
	}
	return m.unlocker(tenantID), nil
}

func (m *Manager) unlocker(tenantID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.locker.ReleaseRecoveryLock(ctx, tenantID); err != nil {
			m.logger.Warn("manager: release recovery lock failed", "tenant", tenantID, "err", err)
		}
	}
}

// SendText sends a text message through the tenant's session.
func (m *Manager) SendText(ctx context.Context, tenantID, to, text string) (string, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return "", err
	}
	return s.SendText(ctx, to, text)
}

// Backup snapshots the tenant's live bundle, subject to the integrity gate.
func (m *Manager) Backup(ctx context.Context, tenantID string) (*backup.Snapshot, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return nil, err
	}
	return s.CreateSnapshot(ctx)
}

// Restore installs the newest valid snapshot and, unless the session is
// already connected, reconnects with it.
func (m *Manager) Restore(ctx context.Context, tenantID string) (*backup.Snapshot, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return nil, err
	}
	if s.State().Busy() {
		return nil, fmt.Errorf("%w: session is %s", ErrRecoveryInProgress, s.State())
	}
	release, err := m.tryLock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != session.Connected && st != session.Destroyed {
		if err := s.Connect(ctx); err != nil {
			m.logger.Warn("manager: reconnect after restore failed", "tenant", tenantID, "err", err)
		}
	}
	return snap, nil
}

// Shutdown destroys every session without logging out. Records and
// credentials stay so the next process can resume.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Destroy()
		}(s)
	}
	wg.Wait()
	m.logger.Info("manager: shut down", "sessions", len(sessions))
}

type nopMetrics struct{}

func (nopMetrics) Transition(string, string) {}
func (nopMetrics) QRIssued()                 {}
func (nopMetrics) Reconnect(string)          {}
func (nopMetrics) Snapshot(string)           {}
func (nopMetrics) Restore(string)            {}
func (nopMetrics) HealthCheck()              {}
