package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const (
	defaultReconcileInterval = 30 * time.Second
	reconcileTimeout         = 15 * time.Second
)

// Reconciler fails deployments that stayed QUEUED or BUILDING past a deadline.
type Reconciler struct {
	deployments repository.DeploymentRepository
	service     *Service
	logger      *slog.Logger
	interval    time.Duration
	stuckAfter  time.Duration
	now         func() time.Time
}

// NewReconciler returns nil when stuckAfter is not positive.
func NewReconciler(deployments repository.DeploymentRepository, service *Service, logger *slog.Logger, interval, stuckAfter time.Duration) *Reconciler {
	if deployments == nil || service == nil || stuckAfter <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		deployments: deployments,
		service:     service,
		logger:      logger.With("component", "reconciler"),
		interval:    interval,
		stuckAfter:  stuckAfter,
		now:         time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "stuck_after", r.stuckAfter)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) int {
	timeout := reconcileTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := r.now().Add(-r.stuckAfter).UTC()
	stuck, err := r.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx,
		[]domain.DeploymentStatus{domain.StatusQueued, domain.StatusBuilding}, cutoff)
	if err != nil {
		r.logger.Warn("failed to list stuck deployments", "error", err)
		return 0
	}

	failed := 0
	for _, dep := range stuck {
		reason := fmt.Sprintf("no progress while %s for %s", dep.Status, r.stuckAfter)
		if _, err := r.service.UpdateStatus(ctx, dep.ID, string(domain.StatusFailed), reason); err != nil {
			r.logger.Warn("failed to expire deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		r.logger.Info("expired stuck deployments", "count", failed)
	}
	return failed
}
