package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/launcher"
	"github.com/splax/shipyard/internal/repository"
)

type fakeProjectRepo struct {
	projects map[string]domain.Project
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, project *domain.Project) error {
	f.projects[project.ID] = *project
	return nil
}

func (f *fakeProjectRepo) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if p, ok := f.projects[projectID]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjectRepo) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	for _, p := range f.projects {
		if p.Slug == slug {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	items       map[string]domain.Deployment
	createErr   error
	updateCalls int
	listErr     error
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{items: map[string]domain.Deployment{}}
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.items[d.ID] = *d
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.items[id]; ok {
		return &d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.items {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, u domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	d, ok := f.items[u.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range u.From {
		if d.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	d.Status = u.To
	d.Reason = u.Reason
	d.UpdatedAt = u.UpdatedAt
	f.items[d.ID] = d
	return &d, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, before time.Time) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Deployment
	for _, d := range f.items {
		for _, s := range statuses {
			if d.Status == s && d.UpdatedAt.Before(before) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

type fakeLauncher struct {
	requests []launcher.Request
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) error {
	f.requests = append(f.requests, req)
	return f.err
}

var errLaunch = errors.New("quota exhausted")

type serviceOption func(*testDeps)

type testDeps struct {
	projects    *fakeProjectRepo
	deployments *fakeDeploymentRepo
	launcher    *fakeLauncher
	opts        []Option
}

func newTestService(opts ...serviceOption) (*Service, *testDeps) {
	deps := &testDeps{
		projects: &fakeProjectRepo{projects: map[string]domain.Project{
			"p1": {ID: "p1", Name: "demo", GitURL: "https://github.com/x/y", Slug: "brave-lion"},
		}},
		deployments: newFakeDeploymentRepo(),
		launcher:    &fakeLauncher{},
	}
	for _, opt := range opts {
		opt(deps)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(deps.projects, deps.deployments, deps.launcher, log, deps.opts...), deps
}
