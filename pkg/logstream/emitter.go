package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Producer appends keyed records to the log stream.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Emitter writes one deployment's build output. The deployment id is the
// partition key, so every line of a deployment keeps its emission order.
type Emitter struct {
	producer     Producer
	deploymentID string
}

// NewEmitter binds an emitter to a deployment.
func NewEmitter(producer Producer, deploymentID string) (*Emitter, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, errors.New("deployment id is required")
	}
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	return &Emitter{producer: producer, deploymentID: deploymentID}, nil
}

// Line emits one line of build output. Empty lines are skipped.
func (e *Emitter) Line(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	return e.emit(ctx, Record{DeploymentID: e.deploymentID, Log: line})
}

// Status emits a lifecycle signal for the deployment.
func (e *Emitter) Status(ctx context.Context, status, reason string) error {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		return errors.New("status is required")
	}
	return e.emit(ctx, Record{DeploymentID: e.deploymentID, Status: status, Reason: reason})
}

func (e *Emitter) emit(ctx context.Context, rec Record) error {
	payload, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := e.producer.Publish(ctx, []byte(e.deploymentID), payload); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}
