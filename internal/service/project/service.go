package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/validation"
)

const maxSlugAttempts = 5

// ErrInvalidInput reports a malformed creation request.
var ErrInvalidInput = errors.New("invalid project input")

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name   string `json:"name" validate:"required,max=128"`
	GitURL string `json:"gitUrl" validate:"required,url"`
}

// Service creates and reads projects.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	namer    func() string
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNamer replaces the slug name generator.
func WithNamer(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.namer = fn
		}
	}
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		projects: projects,
		logger:   logger.With("component", "project"),
		namer:    randomName,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the input and stores a project under a fresh unique slug.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.GitURL = strings.TrimSpace(input.GitURL)
	if err := validation.V.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, validation.Describe(err))
	}

	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      input.Name,
		GitURL:    input.GitURL,
		CreatedAt: s.now(),
	}
	for attempt := 0; attempt <= maxSlugAttempts; attempt++ {
		project.Slug = s.candidate(attempt)
		err := s.projects.CreateProject(ctx, project)
		if err == nil {
			s.logger.Info("project created", "project_id", project.ID, "slug", project.Slug)
			return project, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("create project: %w", err)
		}
		s.logger.Debug("slug taken", "slug", project.Slug, "attempt", attempt)
	}
	return nil, fmt.Errorf("create project: %w: no free slug after %d attempts", repository.ErrConflict, maxSlugAttempts+1)
}

// candidate yields a generated slug; the final attempt appends a random suffix.
func (s *Service) candidate(attempt int) string {
	base := slug.Make(s.namer())
	if base == "" {
		base = "project"
	}
	if attempt < maxSlugAttempts {
		return base
	}
	return fmt.Sprintf("%s-%04d", base, rand.IntN(10000))
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	return s.projects.GetProjectByID(ctx, projectID)
}
