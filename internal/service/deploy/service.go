package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/launcher"
	"github.com/splax/shipyard/internal/repository"
)

const defaultListLimit = 20

var (
	// ErrInvalidInput reports a malformed deploy or status request.
	ErrInvalidInput = errors.New("invalid deployment input")
	// ErrLaunchFailed reports that the execution service rejected the worker.
	ErrLaunchFailed = errors.New("build launch failed")
	// ErrInvalidTransition reports a status write the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StatusObserver is notified after a status transition was stored.
type StatusObserver func(ctx context.Context, deployment domain.Deployment)

// Service records deployments and hands them to the execution service.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	launcher    launcher.Launcher
	logger      *slog.Logger
	observers   []StatusObserver
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithStatusObserver registers a callback invoked after every stored transition.
func WithStatusObserver(fn StatusObserver) Option {
	return func(s *Service) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a deployment service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, l launcher.Launcher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		projects:    projects,
		deployments: deployments,
		launcher:    l,
		logger:      logger.With("component", "deploy"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deploy creates a QUEUED deployment for the project and launches one build worker.
// Launch is fire-and-forget; a rejected launch marks the deployment FAILED and is
// reported as ErrLaunchFailed.
func (s *Service) Deploy(ctx context.Context, projectID string) (*domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	req := launcher.Request{RepoURL: project.GitURL, ProjectID: project.ID, DeploymentID: deployment.ID}
	if err := s.launcher.Launch(ctx, req); err != nil {
		s.logger.Error("build launch failed", "deployment_id", deployment.ID, "project_id", project.ID, "error", err)
		// The caller may have gone away; the rollback still has to land.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, uerr := s.UpdateStatus(failCtx, deployment.ID, string(domain.StatusFailed), "launch failed: "+err.Error()); uerr != nil {
			s.logger.Error("failed to mark deployment failed", "deployment_id", deployment.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID)
	return deployment, nil
}

// Get returns a deployment by id.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, fmt.Errorf("%w: deployment id is required", ErrInvalidInput)
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns the most recent deployments of a project.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultListLimit
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// UpdateStatus moves a deployment to the requested status. Writing the current
// status again is a no-op; other moves must follow the lifecycle and are applied
// with compare-and-set so concurrent writers cannot skip a terminal state.
func (s *Service) UpdateStatus(ctx context.Context, deploymentID, rawStatus, reason string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, fmt.Errorf("%w: deployment id is required", ErrInvalidInput)
	}
	target, ok := domain.ParseStatus(rawStatus)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, rawStatus)
	}

	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if current.Status == target {
		return current, nil
	}
	if !domain.CanTransition(current.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
	}

	updated, err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		From:         domain.Sources(target),
		To:           target,
		Reason:       strings.TrimSpace(reason),
		UpdatedAt:    s.now(),
	})
	if errors.Is(err, repository.ErrConflict) {
		// Lost a race; the winner may already have written the same target.
		latest, getErr := s.deployments.GetDeploymentByID(ctx, deploymentID)
		if getErr == nil && latest.Status == target {
			return latest, nil
		}
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, deploymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("update deployment status: %w", err)
	}

	s.logger.Info("deployment status changed",
		"deployment_id", updated.ID,
		"from", current.Status,
		"to", updated.Status,
		"reason", updated.Reason,
	)
	for _, observe := range s.observers {
		observe(ctx, *updated)
	}
	return updated, nil
}
