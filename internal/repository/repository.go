package repository

import (
	"context"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// ProjectRepository persists projects. CreateProject returns ErrConflict when the
// slug is already taken.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// UpdateDeploymentStatus applies the update only while the current status is one
	// of update.From. It returns ErrNotFound for unknown ids and ErrConflict when the
	// current status does not match.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}

// LogRepository is the durable append + range-query log store. AppendLogEvent is
// idempotent on EventID.
type LogRepository interface {
	AppendLogEvent(ctx context.Context, event domain.LogEvent) error
	ListLogEvents(ctx context.Context, deploymentID string, limit int) ([]domain.LogEvent, error)
}
