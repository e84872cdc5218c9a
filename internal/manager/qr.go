package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shawn/session-gateway/internal/lock"
	"github.com/shawn/session-gateway/internal/session"
)

// QRStatus tells a caller what to do next.
type QRStatus string

const (
	// QRConnected: the tenant is paired, no code is needed.
	QRConnected QRStatus = "connected"
	// QRReady: QR holds a code valid until ExpiresAt.
	QRReady QRStatus = "ready"
	// QRAuthenticating: a scan is being processed; stop polling.
	QRAuthenticating QRStatus = "authenticating"
	// QRExpired: the last round was abandoned. Ask again with Fresh.
	QRExpired QRStatus = "expired"
	// QRSocketError: the connection needed for a new round failed.
	QRSocketError QRStatus = "socket_error"
)

// QROptions tune RequestQR.
type QROptions struct {
	// Fresh starts a new pairing round even after an abandoned one.
	Fresh bool
}

// QRResult is the answer to a QR request.
type QRResult struct {
	Status    QRStatus  `json:"status"`
	QR        string    `json:"qr,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RequestQR hands out a pairing code. A code issued less than QRValidity ago
// is returned again; otherwise a new round is started under the tenant's
// recovery lock and RequestQR waits up to QRWait for its first code.
func (m *Manager) RequestQR(ctx context.Context, tenantID string, opts QROptions) (QRResult, error) {
	s, err := m.Get(tenantID)
	if err != nil {
		return QRResult{}, err
	}
	if res, done := m.cachedQR(s, opts); done {
		return res, nil
	}

	ok, err := lock.Acquire(ctx, m.locker, tenantID, m.cfg.LockTTL, m.cfg.QRWait)
	if err != nil {
		return QRResult{}, fmt.Errorf("acquire recovery lock: %w", err)
	}
	if !ok {
		return QRResult{}, fmt.Errorf("%w: %s", ErrRecoveryInProgress, tenantID)
	}
	defer m.unlocker(tenantID)()

	// Whoever held the lock before us may already have produced a code.
	if res, done := m.cachedQR(s, opts); done {
		return res, nil
	}

	// Under the lock a Connecting session is a round nobody is waiting on.
	if opts.Fresh || s.State() != session.Connecting {
		if err := s.RefreshQR(ctx); err != nil {
			return m.qrFailure(s, err)
		}
		m.logger.Info("manager: new pairing round", "tenant", tenantID, "fresh", opts.Fresh)
	}
	if info := s.Info(); info.State == session.Disconnected || info.State == session.Failed {
		return socketError(info), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.QRWait)
	defer cancel()
	code, err := s.AwaitQR(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if info := s.Info(); info.State == session.Disconnected {
				return socketError(info), nil
			}
			if s.AbandonPairing() {
				m.logger.Warn("manager: pairing round abandoned", "tenant", tenantID, "wait", m.cfg.QRWait)
			}
			return QRResult{}, fmt.Errorf("%w after %s", ErrQRTimeout, m.cfg.QRWait)
		}
		return m.qrFailure(s, err)
	}
	if code == "" {
		return QRResult{Status: QRConnected}, nil
	}
	info := s.Info()
	return QRResult{Status: QRReady, QR: code, ExpiresAt: info.QRIssuedAt.Add(m.cfg.QRValidity)}, nil
}

// cachedQR answers without starting a round when it can.
func (m *Manager) cachedQR(s *session.Session, opts QROptions) (QRResult, bool) {
	info := s.Info()
	switch info.State {
	case session.Connected:
		return QRResult{Status: QRConnected}, true
	case session.Authenticating:
		return QRResult{Status: QRAuthenticating}, true
	}
	if info.QR != "" && info.State == session.QRPending {
		expires := info.QRIssuedAt.Add(m.cfg.QRValidity)
		if m.clock.Now().Before(expires) {
			return QRResult{Status: QRReady, QR: info.QR, ExpiresAt: expires}, true
		}
	}
	if info.Abandoned && !opts.Fresh {
		return QRResult{Status: QRExpired}, true
	}
	return QRResult{}, false
}

func (m *Manager) qrFailure(s *session.Session, err error) (QRResult, error) {
	switch {
	case errors.Is(err, session.ErrAuthenticationInProgress):
		return QRResult{Status: QRAuthenticating}, nil
	case errors.Is(err, session.ErrTransientConnection):
		return socketError(s.Info()), nil
	}
	return QRResult{}, err
}

func socketError(info session.Info) QRResult {
	msg := info.LastError
	if msg == "" {
		msg = "connection failed, retry scheduled"
	}
	return QRResult{Status: QRSocketError, Error: msg}
}
