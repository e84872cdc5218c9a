package manager

import (
	"context"
	"time"

	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/session"
)

// HealthReport summarizes one health monitor pass.
type HealthReport struct {
	Checked    int
	Restored   []string
	Reconnects []string
	Failed     []string
}

type repair int

const (
	repairNone repair = iota
	repairReconnect
	repairRestore
)

// assess decides what the monitor should do for s. Sessions mid-transition,
// waiting on their own retry timer, or needing a human (no usable
// credentials, logged out) are left alone. A connected session whose
// transport went down without a close event is treated as disconnected.
func (m *Manager) assess(s *session.Session) repair {
	info := s.Info()
	switch info.State {
	case session.Connected:
		if s.Alive() {
			return repairNone
		}
		m.logger.Warn("health: transport down on connected session", "tenant", info.TenantID)
	case session.Disconnected, session.Failed, session.Initialized:
	default:
		return repairNone
	}
	now := m.clock.Now()
	if info.State == session.Disconnected && now.Before(info.NextRetryAt) {
		return repairNone
	}
	if now.Before(info.CooldownUntil) {
		return repairNone
	}
	if s.ValidateCredentials().Valid() {
		return repairReconnect
	}
	if s.HasBackups() {
		return repairRestore
	}
	return repairNone
}

// CheckHealth runs one monitor pass. Broken bundles are restored right away;
// reconnects are staggered and run in the background, each holding the
// tenant's recovery lock until its connect attempt returns.
func (m *Manager) CheckHealth(ctx context.Context) HealthReport {
	m.metrics.HealthCheck()
	var rep HealthReport
	var delay time.Duration
	for _, s := range m.snapshot() {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		action := m.assess(s)
		if action == repairNone {
			continue
		}
		id := s.TenantID()
		release, err := m.tryLock(ctx, id)
		if err != nil {
			m.logger.Debug("health: skipping tenant", "tenant", id, "err", err)
			continue
		}
		if action == repairRestore {
			if _, err := s.Restore(ctx); err != nil {
				m.logger.Warn("health: restore failed", "tenant", id, "err", err)
				rep.Failed = append(rep.Failed, id)
				release()
				continue
			}
			m.logger.Info("health: credentials restored", "tenant", id)
			rep.Restored = append(rep.Restored, id)
		}
		rep.Reconnects = append(rep.Reconnects, id)
		m.reconnectLater(delay, s, "health_monitor", release)
		delay += m.cfg.RecoveryStagger
	}
	if len(rep.Reconnects) > 0 || len(rep.Failed) > 0 {
		m.logger.Info("health: pass complete",
			"checked", rep.Checked,
			"reconnects", len(rep.Reconnects),
			"restored", len(rep.Restored),
			"failed", len(rep.Failed),
		)
	}
	return rep
}

// reconnectLater connects s after delay on the manager clock, then releases
// the recovery lock.
func (m *Manager) reconnectLater(delay time.Duration, s *session.Session, reason string, release func()) {
	run := func() {
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LockTTL)
		defer cancel()
		m.metrics.Reconnect(reason)
		if err := m.recover(ctx, s); err != nil {
			m.logger.Warn("manager: reconnect failed", "tenant", s.TenantID(), "reason", reason, "err", err)
		}
	}
	if delay <= 0 {
		go run()
		return
	}
	m.clock.AfterFunc(delay, func() { go run() })
}

// RunHealthMonitor runs CheckHealth every HealthInterval until ctx is done.
func (m *Manager) RunHealthMonitor(ctx context.Context) {
	m.logger.Info("health: starting monitor", "interval", m.cfg.HealthInterval)
	ticker := m.clock.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health: monitor stopped")
			return
		case <-ticker.C():
			m.CheckHealth(ctx)
		}
	}
}

// RestoreAll loads every persisted tenant that is not yet registered. Each
// session is initialized lazily; those with a usable bundle reconnect,
// staggered.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	records, err := m.reg.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	var delay time.Duration
	for _, rec := range records {
		if ctx.Err() != nil {
			return loaded, ctx.Err()
		}
		s, ok := m.adopt(rec)
		if !ok {
			continue
		}
		loaded++
		if rec.Status == registry.StatusLoggedOut {
			// Backups of an unlinked device are kept for forensics, not reuse.
			continue
		}
		if err := s.Initialize(ctx, false); err != nil {
			m.logger.Warn("manager: initialize failed", "tenant", rec.TenantID, "err", err)
			continue
		}
		if !s.ValidateCredentials().Valid() {
			continue
		}
		release, err := m.tryLock(ctx, rec.TenantID)
		if err != nil {
			m.logger.Debug("manager: startup reconnect skipped", "tenant", rec.TenantID, "err", err)
			continue
		}
		m.reconnectLater(delay, s, "startup", release)
		delay += m.cfg.RecoveryStagger
	}
	m.logger.Info("manager: tenants restored", "loaded", loaded, "persisted", len(records))
	return loaded, nil
}

// adopt registers a session for a persisted record, respecting the limit.
func (m *Manager) adopt(rec *registry.TenantRecord) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.TenantID]; ok {
		return nil, false
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.logger.Warn("manager: session limit reached, tenant not loaded", "tenant", rec.TenantID, "limit", m.cfg.MaxSessions)
		return nil, false
	}
	s := m.newSession(rec)
	m.sessions[rec.TenantID] = s
	return s, true
}

// Run restores persisted tenants and monitors them until ctx is done, then
// shuts every session down.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.RestoreAll(ctx); err != nil {
		m.logger.Error("manager: restore tenants failed", "err", err)
	}
	m.RunHealthMonitor(ctx)
	m.Shutdown(context.Background())
	return nil
}
