package logs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/ws"
)

const defaultHistoryLimit = 5000

// ErrInvalidDeploymentID reports a blank deployment id.
var ErrInvalidDeploymentID = errors.New("deployment id is required")

// Service serves log history and publishes live lines.
type Service struct {
	repo        repository.LogRepository
	deployments repository.DeploymentRepository
	live        ws.Publisher
	logger      *slog.Logger
	limit       int
	now         func() time.Time
}

// New constructs a log service. historyLimit caps List results.
func New(repo repository.LogRepository, deployments repository.DeploymentRepository, live ws.Publisher, logger *slog.Logger, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		deployments: deployments,
		live:        live,
		logger:      logger.With("component", "logs"),
		limit:       historyLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// List returns a deployment's stored lines in arrival order, each event id once.
func (s *Service) List(ctx context.Context, deploymentID string, limit int) ([]domain.LogEvent, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, ErrInvalidDeploymentID
	}
	if _, err := s.deployments.GetDeploymentByID(ctx, deploymentID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	events, err := s.repo.ListLogEvents(ctx, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log events: %w", err)
	}
	return Dedupe(events), nil
}

// Broadcast publishes one line on the deployment's live channel.
func (s *Service) Broadcast(ctx context.Context, deploymentID, line string) {
	if s.live == nil {
		return
	}
	s.live.Publish(ws.ChannelName(deploymentID), []byte(line))
}

// Append stores a server-originated line and publishes it.
func (s *Service) Append(ctx context.Context, deploymentID, line string) error {
	event := domain.LogEvent{
		EventID:      uuid.NewString(),
		DeploymentID: deploymentID,
		Log:          line,
		Timestamp:    s.now(),
	}
	if err := s.repo.AppendLogEvent(ctx, event); err != nil {
		return fmt.Errorf("append log event: %w", err)
	}
	s.Broadcast(ctx, deploymentID, line)
	return nil
}

// StatusObserver records every stored deployment transition as a system line.
func (s *Service) StatusObserver(ctx context.Context, dep domain.Deployment) {
	line := fmt.Sprintf("[System] Deployment %s", dep.Status)
	if dep.Reason != "" {
		line += ": " + dep.Reason
	}
	if err := s.Append(ctx, dep.ID, line); err != nil {
		s.logger.Warn("failed to record status line", "deployment_id", dep.ID, "error", err)
	}
}

// Dedupe keeps the first occurrence of every event id, preserving order.
func Dedupe(events []domain.LogEvent) []domain.LogEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]domain.LogEvent, 0, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		out = append(out, ev)
	}
	return out
}
