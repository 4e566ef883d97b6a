package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const (
	codeUniqueViolation    = "23505"
	codeInvalidTextFormat  = "22P02"
	codeBadCharacter       = "22021"
	codeUntranslatable     = "22P05"
	defaultDeploymentLimit = 20
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, git_url, slug, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.GitURL, project.Slug, project.CreatedAt)
	return translate(err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, git_url, slug, created_at FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectBySlug fetches a project by its public slug.
func (r *Repository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	const query = `SELECT id, name, git_url, slug, created_at FROM projects WHERE slug = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, slug))
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.Slug, &p.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		deployment.Reason,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return translate(err)
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, reason, created_at, updated_at FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// ListDeploymentsByProject returns the most recent deployments of a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultDeploymentLimit
	}
	const query = `SELECT id, project_id, status, reason, created_at, updated_at
		FROM deployments
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, translate(err)
	}
	return collectDeployments(rows)
}

// UpdateDeploymentStatus performs a compare-and-set on the deployment status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	if len(update.From) == 0 {
		return nil, fmt.Errorf("update deployment %s: no source states", update.DeploymentID)
	}
	from := make([]string, 0, len(update.From))
	for _, s := range update.From {
		from = append(from, string(s))
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	const query = `UPDATE deployments
		SET status = $2, reason = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
		RETURNING id, project_id, status, reason, created_at, updated_at`
	dep, err := scanDeployment(r.pool.QueryRow(ctx, query, update.DeploymentID, string(update.To), update.Reason, updatedAt, from))
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Distinguish an unknown id from a status mismatch.
	if _, getErr := r.GetDeploymentByID(ctx, update.DeploymentID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments in any of the statuses
// that have not changed since the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	const query = `SELECT id, project_id, status, reason, created_at, updated_at
		FROM deployments
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, values, updatedBefore)
	if err != nil {
		return nil, translate(err)
	}
	return collectDeployments(rows)
}

// AppendLogEvent stores a log event, ignoring a repeated event id.
func (r *Repository) AppendLogEvent(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO log_events (event_id, deployment_id, log, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, event.EventID, event.DeploymentID, event.Log, event.Timestamp)
	return translate(err)
}

// ListLogEvents returns log events of a deployment in arrival order.
func (r *Repository) ListLogEvents(ctx context.Context, deploymentID string, limit int) ([]domain.LogEvent, error) {
	const query = `SELECT event_id, deployment_id, log, timestamp
		FROM log_events
		WHERE deployment_id = $1
		ORDER BY seq ASC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		var ev domain.LogEvent
		if err := rows.Scan(&ev.EventID, &ev.DeploymentID, &ev.Log, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, translate(rows.Err())
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.Reason, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	defer rows.Close()
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		var status string
		if err := rows.Scan(&d.ID, &d.ProjectID, &status, &d.Reason, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DeploymentStatus(status)
		deployments = append(deployments, d)
	}
	return deployments, translate(rows.Err())
}

// translate maps driver errors onto repository sentinels. Malformed identifiers
// (ids are UUID columns) cannot match any row and surface as ErrNotFound.
// Encoding rejections surface as ErrInvalidData.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case codeInvalidTextFormat:
			return repository.ErrNotFound
		case codeBadCharacter, codeUntranslatable:
			return fmt.Errorf("%w: %s", repository.ErrInvalidData, pgErr.Message)
		}
	}
	return err
}
