// Package lifecycle decides which replica owns the protocol sessions. Two
// replicas holding the same tenant's credentials would knock each other off
// with stream conflicts, so only the Lease holder runs them.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// RunFunc runs the owned workload until ctx is cancelled. It must tear down
// everything it started before returning.
type RunFunc func(ctx context.Context)

// Config names the Lease and tunes the election.
type Config struct {
	Namespace     string
	LeaseName     string
	ID            string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseName == "" {
		c.LeaseName = "session-gateway-leader"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
	return c
}

// Controller runs a workload only while holding the Lease.
type Controller struct {
	cs     kubernetes.Interface
	cfg    Config
	run    RunFunc
	logger *slog.Logger
	leader atomic.Bool
	runMu  sync.Mutex
}

func New(cs kubernetes.Interface, cfg Config, run RunFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cs: cs, cfg: cfg.withDefaults(), run: run, logger: logger}
}

// IsLeader reports whether this replica currently owns the sessions.
func (c *Controller) IsLeader() bool { return c.leader.Load() }

// Run campaigns for the Lease until ctx is cancelled. Losing the Lease stops
// the workload and waits for it to finish before campaigning again.
func (c *Controller) Run(ctx context.Context) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      c.cfg.LeaseName,
			Namespace: c.cfg.Namespace,
		},
		Client: c.cs.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.cfg.ID,
		},
	}

	for ctx.Err() == nil {
		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   c.cfg.LeaseDuration,
			RenewDeadline:   c.cfg.RenewDeadline,
			RetryPeriod:     c.cfg.RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: c.lead,
				OnStoppedLeading: func() {
					c.logger.Info("leader election: lost leadership", "id", c.cfg.ID)
				},
				OnNewLeader: func(identity string) {
					if identity != c.cfg.ID {
						c.logger.Info("leader election: new leader", "leader", identity)
					}
				},
			},
		})
		// Wait for a workload started by this round to finish.
		c.runMu.Lock()
		c.runMu.Unlock()
	}
}

// lead runs the workload for one term. leadCtx is cancelled when the term
// ends; a callback that starts after that does nothing.
func (c *Controller) lead(leadCtx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if leadCtx.Err() != nil {
		return
	}
	c.leader.Store(true)
	defer c.leader.Store(false)
	c.logger.Info("leader election: became leader, starting sessions", "id", c.cfg.ID)
	c.run(leadCtx)
	c.logger.Info("leader election: sessions stopped", "id", c.cfg.ID)
}

// RunLocal runs the workload without an election, for single-replica
// deployments.
func RunLocal(ctx context.Context, run RunFunc) {
	run(ctx)
}
