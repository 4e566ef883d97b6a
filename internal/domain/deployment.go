package domain

import (
	"strings"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

// Deployment statuses.
const (
	StatusQueued   DeploymentStatus = "QUEUED"
	StatusBuilding DeploymentStatus = "BUILDING"
	StatusReady    DeploymentStatus = "READY"
	StatusFailed   DeploymentStatus = "FAILED"
)

var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusQueued:   {StatusBuilding, StatusReady, StatusFailed},
	StatusBuilding: {StatusReady, StatusFailed},
}

// ParseStatus normalises raw input into a known status.
func ParseStatus(raw string) (DeploymentStatus, bool) {
	switch DeploymentStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusQueued:
		return StatusQueued, true
	case StatusBuilding:
		return StatusBuilding, true
	case StatusReady:
		return StatusReady, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether a deployment in state from may move to state to.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns the states from which to is reachable.
func Sources(to DeploymentStatus) []DeploymentStatus {
	var out []DeploymentStatus
	for _, from := range []DeploymentStatus{StatusQueued, StatusBuilding} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Deployment captures a single build/serve attempt for a project.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Status    DeploymentStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// DeploymentStatusUpdate is a compare-and-set status write.
type DeploymentStatusUpdate struct {
	DeploymentID string
	From         []DeploymentStatus
	To           DeploymentStatus
	Reason       string
	UpdatedAt    time.Time
}
