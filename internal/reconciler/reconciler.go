package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shawn/session-gateway/internal/manager"
	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/session"
)

// Sessions is the runtime view the reconciler compares the registry against.
// manager.Manager satisfies it.
type Sessions interface {
	Status(tenantID string) (session.Info, error)
}

// Reconciler periodically checks for drift between the persisted tenant
// status and the sessions running in this process. Status writes from
// sessions are best effort, so a failed or lost write would otherwise stick.
// Only the process that owns the sessions (the leader) should run it.
type Reconciler struct {
	reg      registry.Client
	sessions Sessions
	interval time.Duration
	logger   *slog.Logger
}

// New creates a new Reconciler.
func New(reg registry.Client, sessions Sessions, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		reg:      reg,
		sessions: sessions,
		interval: interval,
		logger:   logger,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler: starting", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: shutting down")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// live reports whether status claims a session exists.
func live(status registry.TenantStatus) bool {
	switch status {
	case registry.StatusConnecting, registry.StatusQRPending,
		registry.StatusAuthenticating, registry.StatusConnected:
		return true
	}
	return false
}

// Reconcile performs a single pass and returns the number of corrected records.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	tenants, err := r.reg.ListAll(ctx)
	if err != nil {
		r.logger.Error("reconciler: failed to list tenants", "err", err)
		return 0
	}

	fixed := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			return fixed
		}

		var want registry.TenantStatus
		info, err := r.sessions.Status(t.TenantID)
		switch {
		case err == nil:
			if info.State == session.Destroyed {
				continue
			}
			want = info.State.Status()
		case errors.Is(err, manager.ErrTenantNotFound):
			// No session here. Only a status that claims one is wrong.
			if !live(t.Status) {
				continue
			}
			want = registry.StatusDisconnected
		default:
			continue
		}
		if t.Status == want {
			continue
		}

		r.logger.Warn("reconciler: status drift, correcting",
			"tenant", t.TenantID,
			"from", t.Status,
			"to", want,
		)
		if err := r.reg.UpdateStatus(ctx, t.TenantID, want); err != nil {
			r.logger.Error("reconciler: failed to correct status",
				"tenant", t.TenantID,
				"err", err,
			)
			continue
		}
		fixed++
	}
	if fixed > 0 {
		r.logger.Info("reconciler: pass complete", "checked", len(tenants), "corrected", fixed)
	}
	return fixed
}
