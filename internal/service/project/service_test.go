package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gosimple/slug"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

type stubProjectRepository struct {
	bySlug  map[string]domain.Project
	byID    map[string]domain.Project
	failErr error
	calls   int
}

func newStubRepo() *stubProjectRepository {
	return &stubProjectRepository{bySlug: map[string]domain.Project{}, byID: map[string]domain.Project{}}
}

func (s *stubProjectRepository) CreateProject(ctx context.Context, project *domain.Project) error {
	s.calls++
	if s.failErr != nil {
		return s.failErr
	}
	if _, taken := s.bySlug[project.Slug]; taken {
		return repository.ErrConflict
	}
	s.bySlug[project.Slug] = *project
	s.byID[project.ID] = *project
	return nil
}

func (s *stubProjectRepository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if p, ok := s.byID[projectID]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) GetProjectBySlug(ctx context.Context, value string) (*domain.Project, error) {
	if p, ok := s.bySlug[value]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func newTestService(repo *stubProjectRepository, opts ...Option) *Service {
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestCreateAssignsSlug(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, WithNamer(func() string { return "Brave Lion" }))

	project, err := svc.Create(context.Background(), CreateInput{Name: " demo ", GitURL: "https://github.com/x/y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project.Slug != "brave-lion" {
		t.Fatalf("expected slug brave-lion, got %q", project.Slug)
	}
	if project.Name != "demo" || project.GitURL != "https://github.com/x/y" {
		t.Fatalf("unexpected project: %+v", project)
	}
	if project.ID == "" || project.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", project)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc := newTestService(newStubRepo())
	cases := []CreateInput{
		{Name: "", GitURL: "https://github.com/x/y"},
		{Name: "demo", GitURL: ""},
		{Name: "demo", GitURL: "not a url"},
	}
	for _, in := range cases {
		if _, err := svc.Create(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("input %+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestCreateRetriesOnSlugCollision(t *testing.T) {
	repo := newStubRepo()
	repo.bySlug["brave-lion"] = domain.Project{ID: "existing", Slug: "brave-lion"}

	names := []string{"brave-lion", "brave-lion", "calm-otter"}
	i := 0
	svc := newTestService(repo, WithNamer(func() string {
		n := names[i]
		i++
		return n
	}))

	project, err := svc.Create(context.Background(), CreateInput{Name: "demo", GitURL: "https://github.com/x/y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project.Slug != "calm-otter" {
		t.Fatalf("expected calm-otter, got %q", project.Slug)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 create attempts, got %d", repo.calls)
	}
}

func TestCreateFallsBackToSuffix(t *testing.T) {
	repo := newStubRepo()
	repo.bySlug["brave-lion"] = domain.Project{ID: "existing", Slug: "brave-lion"}
	svc := newTestService(repo, WithNamer(func() string { return "brave-lion" }))

	project, err := svc.Create(context.Background(), CreateInput{Name: "demo", GitURL: "https://github.com/x/y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(project.Slug, "brave-lion-") || !slug.IsSlug(project.Slug) {
		t.Fatalf("expected suffixed slug, got %q", project.Slug)
	}
	if repo.calls != maxSlugAttempts+1 {
		t.Fatalf("expected %d attempts, got %d", maxSlugAttempts+1, repo.calls)
	}
}

func TestCreatePropagatesStoreErrors(t *testing.T) {
	repo := newStubRepo()
	repo.failErr = errors.New("db down")
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), CreateInput{Name: "demo", GitURL: "https://github.com/x/y"})
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected store error, got %v", err)
	}
	if repo.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", repo.calls)
	}
}

func TestRandomNameIsSlug(t *testing.T) {
	for i := 0; i < 50; i++ {
		name := randomName()
		if !slug.IsSlug(name) {
			t.Fatalf("generated name %q is not a slug", name)
		}
	}
}

func TestGetRequiresID(t *testing.T) {
	svc := newTestService(newStubRepo())
	if _, err := svc.Get(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
