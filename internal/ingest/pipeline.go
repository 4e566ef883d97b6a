package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/stream"
	"github.com/splax/shipyard/pkg/logstream"
)

// eventNamespace scopes event ids derived from broker coordinates.
var eventNamespace = uuid.MustParse("5b0f3c1e-8d4a-4a57-9a0c-6f1d2e7b9c44")

// EventID derives the stable event id of a stream message, so a redelivered
// message maps onto the row stored on its first delivery.
func EventID(msg stream.Message) string {
	return uuid.NewSHA1(eventNamespace, []byte(msg.Coordinates())).String()
}

// Store is the durable log store.
type Store interface {
	AppendLogEvent(ctx context.Context, event domain.LogEvent) error
}

// Deployments resolves deployments referenced by incoming records.
type Deployments interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// StatusUpdater applies structured lifecycle signals.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, deploymentID, status, reason string) (*domain.Deployment, error)
}

// Broadcaster fans a stored line out to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, deploymentID, line string)
}

// Options tunes the pipeline.
type Options struct {
	KnownCacheSize int
	KnownCacheTTL  time.Duration
}

// Pipeline moves worker output from the stream into the log store and out to
// live subscribers.
type Pipeline struct {
	consumer    stream.Consumer
	store       Store
	deployments Deployments
	status      StatusUpdater
	live        Broadcaster
	logger      *slog.Logger
	known       *expirable.LRU[string, struct{}]
	now         func() time.Time
}

// New builds a pipeline. status may be nil, in which case status signals are ignored.
func New(consumer stream.Consumer, store Store, deployments Deployments, status StatusUpdater, live Broadcaster, logger *slog.Logger, opts Options) *Pipeline {
	if opts.KnownCacheSize <= 0 {
		opts.KnownCacheSize = 4096
	}
	if opts.KnownCacheTTL <= 0 {
		opts.KnownCacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Pipeline{
		consumer:    consumer,
		store:       store,
		deployments: deployments,
		status:      status,
		live:        live,
		logger:      logger.With("component", "ingest"),
		known:       expirable.NewLRU[string, struct{}](opts.KnownCacheSize, nil, opts.KnownCacheTTL),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("log ingestion started")
	err := p.consumer.Consume(ctx, p.HandleBatch)
	p.logger.Info("log ingestion stopped")
	return err
}

// HandleBatch processes one partition batch in arrival order. A message whose
// persistence fails stays unacknowledged and the rest of the batch proceeds.
func (p *Pipeline) HandleBatch(ctx context.Context, session stream.Session, batch []stream.Message) error {
	started := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(started).Seconds())
		batchSize.Observe(float64(len(batch)))
	}()

	for _, msg := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.handle(ctx, session, msg)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, session stream.Session, msg stream.Message) {
	log := p.logger.With("partition", msg.Partition, "offset", msg.Offset)

	rec, err := logstream.Decode(msg.Value)
	if err != nil {
		log.Warn("dropping malformed message", "error", err)
		messagesTotal.WithLabelValues(resultMalformed).Inc()
		p.ack(ctx, session, msg, log)
		return
	}
	log = log.With("deployment_id", rec.DeploymentID)

	exists, err := p.deploymentExists(ctx, rec.DeploymentID)
	if err != nil {
		log.Warn("deployment lookup failed; leaving message for redelivery", "error", err)
		messagesTotal.WithLabelValues(resultPersistFailed).Inc()
		return
	}
	if !exists {
		log.Error("dropping log for unknown deployment")
		messagesTotal.WithLabelValues(resultOrphan).Inc()
		p.ack(ctx, session, msg, log)
		return
	}

	eventID := EventID(msg)
	if rec.Log != "" {
		event := domain.LogEvent{
			EventID:      eventID,
			DeploymentID: rec.DeploymentID,
			Log:          rec.Log,
			Timestamp:    p.now(),
		}
		err := p.store.AppendLogEvent(ctx, event)
		if errors.Is(err, repository.ErrInvalidData) {
			log.Warn("dropping log line the store rejects", "event_id", eventID, "error", err)
			messagesTotal.WithLabelValues(resultMalformed).Inc()
			p.ack(ctx, session, msg, log)
			return
		}
		if err != nil {
			log.Warn("failed to persist log event; leaving message for redelivery", "event_id", eventID, "error", err)
			messagesTotal.WithLabelValues(resultPersistFailed).Inc()
			return
		}
	}

	if rec.Status != "" && !p.applyStatus(ctx, rec, log) {
		return
	}

	if !p.ack(ctx, session, msg, log) {
		return
	}
	messagesTotal.WithLabelValues(resultPersisted).Inc()
	if err := session.Heartbeat(ctx); err != nil {
		log.Warn("heartbeat failed", "error", err)
	}
	if rec.Log != "" && p.live != nil {
		p.live.Broadcast(ctx, rec.DeploymentID, rec.Log)
	}
}

// applyStatus reports whether the message may be acknowledged.
func (p *Pipeline) applyStatus(ctx context.Context, rec logstream.Record, log *slog.Logger) bool {
	if p.status == nil {
		return true
	}
	_, err := p.status.UpdateStatus(ctx, rec.DeploymentID, rec.Status, rec.Reason)
	switch {
	case err == nil:
		return true
	case errors.Is(err, deploy.ErrInvalidInput), errors.Is(err, deploy.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
		log.Warn("rejected status signal", "status", rec.Status, "error", err)
		messagesTotal.WithLabelValues(resultStatusFailed).Inc()
		return true
	default:
		log.Warn("failed to apply status signal; leaving message for redelivery", "status", rec.Status, "error", err)
		messagesTotal.WithLabelValues(resultStatusFailed).Inc()
		return false
	}
}

func (p *Pipeline) ack(ctx context.Context, session stream.Session, msg stream.Message, log *slog.Logger) bool {
	if err := session.MarkProcessed(ctx, msg); err != nil {
		log.Warn("failed to mark message processed", "error", err)
		messagesTotal.WithLabelValues(resultAckFailed).Inc()
		return false
	}
	return true
}

func (p *Pipeline) deploymentExists(ctx context.Context, deploymentID string) (bool, error) {
	if _, ok := p.known.Get(deploymentID); ok {
		return true, nil
	}
	_, err := p.deployments.GetDeploymentByID(ctx, deploymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup deployment: %w", err)
	}
	p.known.Add(deploymentID, struct{}{})
	return true, nil
}
