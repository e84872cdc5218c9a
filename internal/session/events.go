package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/creds"
	"github.com/shawn/session-gateway/internal/protocol"
	"github.com/shawn/session-gateway/internal/webhook"
)

// handleEvent is the single entry point for client events. Events from a
// client generation that has since been replaced are dropped.
func (s *Session) handleEvent(gen uint64, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.CredentialsEvent:
		if s.current(gen) {
			s.saveCredentials(e)
		}
		return
	case protocol.MessageEvent:
		if s.current(gen) {
			s.handleMessage(e)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == Destroyed {
		return
	}
	switch e := ev.(type) {
	case protocol.QREvent:
		s.handleQRLocked(e.Code)
	case protocol.ConnectionEvent:
		switch e.State {
		case protocol.ConnConnecting:
			// A handshake starting while a code is held means the phone scanned it.
			if s.state == QRPending && s.qr != "" {
				s.beginAuthLocked("connecting with qr held")
			}
		case protocol.ConnOpen:
			s.handleOpenLocked()
		case protocol.ConnClose:
			s.handleCloseLocked(e)
		}
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state != Destroyed
}

func (s *Session) handleQRLocked(code string) {
	switch s.state {
	case Authenticating:
		s.logger.Debug("session: qr suppressed while authenticating")
		return
	case Connecting, QRPending:
	default:
		return
	}
	s.qr = code
	s.qrAt = s.clock.Now()
	s.obs.QRIssued()
	if s.state == QRPending {
		// A rotated code for the same round.
		s.broadcastLocked()
		return
	}
	_ = s.transitionLocked(QRPending)
	s.logger.Info("session: qr issued")
}

// beginAuthLocked enters Authenticating and arms the auth timeout for this round.
func (s *Session) beginAuthLocked(trigger string) {
	if s.state == Authenticating {
		return
	}
	if err := s.transitionLocked(Authenticating); err != nil {
		return
	}
	s.authAt = s.clock.Now()
	s.authRound++
	round := s.authRound
	stopTimer(&s.authTimer)
	s.authTimer = s.after(s.cfg.AuthTimeout, func() { s.authTimedOut(round) })
	s.logger.Info("session: authentication in progress", "trigger", trigger)
}

// authTimedOut abandons the round: the client is torn down, the code is
// cleared and the session waits for a fresh round.
func (s *Session) authTimedOut(round uint64) {
	s.mu.Lock()
	if s.state != Authenticating || s.authRound != round {
		s.mu.Unlock()
		return
	}
	s.stopRetryLocked()
	client := s.client
	s.client, s.live = nil, false
	s.gen++
	s.resetAuthLocked()
	s.abandoned = true
	_ = s.transitionLocked(Initialized)
	s.mu.Unlock()

	s.logger.Warn("session: authentication timed out, round abandoned", "timeout", s.cfg.AuthTimeout)
	if client != nil {
		s.teardown(client)
	}
}

func (s *Session) resetAuthLocked() {
	stopTimer(&s.authTimer)
	s.qr, s.qrAt = "", time.Time{}
	s.authAt = time.Time{}
	s.abandoned = false
}

func (s *Session) handleOpenLocked() {
	if err := s.transitionLocked(Connected); err != nil {
		return
	}
	s.stopRetryLocked()
	s.resetAuthLocked()
	s.retries = 0
	s.conflicts = 0
	s.cooldownUntil = time.Time{}
	s.logouts = nil
	s.lastErr = nil
	now := s.clock.Now()
	s.connectedSince = now
	s.lastActivity = now

	stopTimer(&s.snapshotTimer)
	gen := s.gen
	s.snapshotTimer = s.after(s.cfg.SnapshotDelay, func() { s.scheduledSnapshot(gen) })
	s.logger.Info("session: connected")
}

func (s *Session) scheduledSnapshot(gen uint64) {
	if !s.current(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectBudget)
	defer cancel()
	if _, err := s.CreateSnapshot(ctx); err != nil {
		if errors.Is(err, backup.ErrGateRefused) {
			s.logger.Debug("session: scheduled snapshot skipped", "err", err)
			return
		}
		s.logger.Warn("session: scheduled snapshot failed", "err", err)
	}
}

func (s *Session) handleCloseLocked(ev protocol.ConnectionEvent) {
	s.live = false
	s.connectedSince = time.Time{}
	stopTimer(&s.snapshotTimer)
	class := ev.Reason.Class()
	log := s.logger.With("reason", ev.Reason, "status_code", ev.StatusCode, "err", ev.Err)

	// A restart or network drop within the scan window after a code was
	// issued is most likely the phone completing the scan.
	if s.state == QRPending && s.qr != "" && (class == protocol.ClassRestart || class == protocol.ClassNetwork) {
		if s.cfg.probableScan(s.clock.Since(s.qrAt)) {
			s.beginAuthLocked("disruption in scan window")
		}
	}

	if s.state == Authenticating && class != protocol.ClassLoggedOut && class != protocol.ClassConflict {
		log.Info("session: reconnecting during authentication", "delay", s.cfg.AuthReconnectDelay)
		s.scheduleLocked(s.cfg.AuthReconnectDelay, "authenticating")
		return
	}

	if s.state == Authenticating {
		s.resetAuthLocked()
	}
	if !s.state.Terminal() {
		_ = s.transitionLocked(Disconnected)
	}

	switch class {
	case protocol.ClassLoggedOut:
		s.handleLoggedOutLocked()

	case protocol.ClassRestart:
		log.Info("session: restart required", "delay", s.cfg.RestartDelay)
		s.scheduleLocked(s.cfg.RestartDelay, "restart_required")

	case protocol.ClassConflict:
		s.conflicts++
		if s.conflicts >= s.cfg.ConflictMax {
			s.cooldownUntil = s.clock.Now().Add(s.cfg.ConflictCooldown)
			log.Warn("session: stream conflicts exhausted, cooling down",
				"conflicts", s.conflicts, "cooldown", s.cfg.ConflictCooldown)
			s.stopRetryLocked()
			gen := s.gen
			s.retryTimer = s.after(s.cfg.ConflictCooldown, func() { s.cooldownOver(gen) })
			s.nextRetry = s.cooldownUntil
			return
		}
		delay := s.cfg.conflictDelay(s.conflicts)
		log.Warn("session: stream conflict", "conflicts", s.conflicts, "delay", delay)
		s.scheduleLocked(delay, "stream_conflict")

	case protocol.ClassNetwork:
		s.retryLocked(s.cfg.backoff(s.retries+1), "network", ev)

	default:
		s.retryLocked(s.cfg.RetryDelay, "retryable", ev)
	}
}

// retryLocked spends one unit of the retry budget, or fails the session when
// there is none left.
func (s *Session) retryLocked(delay time.Duration, reason string, ev protocol.ConnectionEvent) {
	s.retries++
	if s.retries > s.cfg.MaxRetries {
		cause := ev.Err
		if cause == nil {
			cause = errors.New(ev.Reason.String())
		}
		s.lastErr = fmt.Errorf("%w: %d retries exhausted: %v", ErrTransientConnection, s.cfg.MaxRetries, cause)
		s.logger.Error("session: giving up", "reason", ev.Reason, "attempt", s.retries-1, "err", cause)
		_ = s.transitionLocked(Failed)
		return
	}
	s.logger.Info("session: retrying", "reason", ev.Reason, "attempt", s.retries, "delay", delay)
	s.scheduleLocked(delay, reason)
}

func (s *Session) cooldownOver(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Disconnected || s.cooldownUntil.IsZero() {
		s.mu.Unlock()
		return
	}
	s.conflicts = 0
	s.cooldownUntil = time.Time{}
	s.retryTimer, s.nextRetry = nil, time.Time{}
	s.mu.Unlock()
	s.logger.Info("session: stream conflict cooldown over")
	s.reconnect(gen, "stream_conflict_cooldown")
}

// handleLoggedOutLocked counts logouts inside the window. Below the threshold
// the credentials get a chance to recover; at the threshold they are erased.
func (s *Session) handleLoggedOutLocked() {
	now := s.clock.Now()
	kept := s.logouts[:0]
	for _, t := range s.logouts {
		if now.Sub(t) < s.cfg.LogoutWindow {
			kept = append(kept, t)
		}
	}
	s.logouts = append(kept, now)
	n := len(s.logouts)

	if n >= s.cfg.LogoutThreshold {
		s.invalidateLocked(fmt.Errorf("%w: %d logouts within %s", ErrCredentialsInvalidated, n, s.cfg.LogoutWindow))
		return
	}
	s.logger.Warn("session: logged out by server, attempting recovery", "logouts", n)
	gen := s.gen
	go s.recoverFromLogout(gen)
}

// invalidateLocked erases local credentials and requires a fresh pairing.
func (s *Session) invalidateLocked(cause error) {
	s.stopRetryLocked()
	client := s.client
	s.client, s.live = nil, false
	s.gen++
	s.resetAuthLocked()
	s.retries, s.conflicts = 0, 0
	s.cooldownUntil = time.Time{}
	s.logouts = nil
	s.lastErr = fmt.Errorf("%w (%w)", cause, ErrPairingRequired)
	_ = s.transitionLocked(LoggedOut)
	s.logger.Error("session: credentials invalidated", "err", cause)

	if err := creds.Erase(s.authDir); err != nil {
		s.logger.Warn("session: erase credentials failed", "err", err)
	}
	if client != nil {
		go s.teardown(client)
	}
}

func (s *Session) recoverFromLogout(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), connectBudget)
	defer cancel()

	if rep := s.ValidateCredentials(); !rep.Valid() {
		if _, err := s.Restore(ctx); err != nil {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen == s.gen && s.state == Disconnected {
				s.invalidateLocked(err)
			}
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Disconnected {
		return
	}
	s.scheduleLocked(s.cfg.LogoutRetryDelay, "logged_out")
}

// scheduleLocked arms the single reconnect timer for the current client
// generation.
func (s *Session) scheduleLocked(d time.Duration, reason string) {
	s.stopRetryLocked()
	gen := s.gen
	s.retryTimer = s.after(d, func() { s.reconnect(gen, reason) })
	s.nextRetry = s.clock.Now().Add(d)
}

func (s *Session) stopRetryLocked() {
	stopTimer(&s.retryTimer)
	s.nextRetry = time.Time{}
}

// reconnect redials for the client generation gen. A client brought up by
// someone else since the timer was armed is left alone.
func (s *Session) reconnect(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case Disconnected, Authenticating:
	default:
		s.mu.Unlock()
		return
	}
	s.retryTimer, s.nextRetry = nil, time.Time{}
	s.mu.Unlock()

	s.obs.Reconnect(reason)
	ctx, cancel := context.WithTimeout(context.Background(), connectBudget)
	defer cancel()
	if err := s.connect(ctx, true, gen); err != nil && !errors.Is(err, ErrDestroyed) {
		s.logger.Warn("session: reconnect failed", "reason", reason, "err", err)
	}
}

func (s *Session) saveCredentials(e protocol.CredentialsEvent) {
	if len(e.Bundle) > 0 {
		if err := creds.Save(s.authDir, e.Bundle); err != nil {
			s.logger.Error("session: persist credentials failed", "err", err)
		}
	}
	for name, raw := range e.Keys {
		if err := creds.SaveKey(s.authDir, name, raw); err != nil {
			s.logger.Warn("session: persist key failed", "file", name, "err", err)
		}
	}
}

func (s *Session) handleMessage(msg protocol.MessageEvent) {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	settings := s.settings
	client := s.client
	s.mu.Unlock()

	if msg.FromMe {
		return
	}
	if settings.AutoRead && client != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
			defer cancel()
			if err := client.MarkRead(ctx, msg.Chat, msg.ID); err != nil {
				s.logger.Warn("session: mark read failed", "err", err)
			}
		}()
	}
	if settings.WebhookEnabled && settings.WebhookURL != "" && s.dispatch != nil {
		s.dispatch.Dispatch(settings.WebhookURL, webhook.NewMessageEvent(s.id, msg))
	}
}
