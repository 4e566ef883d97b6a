package logstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks a payload that can never be processed.
var ErrMalformed = errors.New("logstream: malformed record")

// Record is one message written by a build worker onto the log stream. Status,
// when set, is the worker's structured lifecycle signal for the deployment.
type Record struct {
	DeploymentID string `json:"DEPLOYMENT_ID"`
	Log          string `json:"log,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Decode parses and validates a stream payload.
func Decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rec.DeploymentID = strings.TrimSpace(rec.DeploymentID)
	rec.Status = strings.TrimSpace(rec.Status)
	if rec.DeploymentID == "" {
		return Record{}, fmt.Errorf("%w: missing DEPLOYMENT_ID", ErrMalformed)
	}
	if rec.Log == "" && rec.Status == "" {
		return Record{}, fmt.Errorf("%w: neither log nor status set", ErrMalformed)
	}
	return rec, nil
}

// Encode renders the record as the stream payload.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}
