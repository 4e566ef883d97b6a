package launcher

import (
	"context"
	"errors"
	"sort"
	"strings"
)

const (
	LabelDeployment = "shipyard.dev/deployment-id"
	LabelProject    = "shipyard.dev/project-id"
	LabelComponent  = "shipyard.dev/component"
)

// ErrInvalidRequest indicates a launch request missing required parameters.
var ErrInvalidRequest = errors.New("launcher: invalid request")

// Request is the execution context handed to one build worker.
type Request struct {
	RepoURL      string
	ProjectID    string
	DeploymentID string
}

// Launcher starts one isolated build worker and returns once the execution service
// accepted it. It never waits for the build to finish.
type Launcher interface {
	Launch(ctx context.Context, req Request) error
}

// Validate checks that every worker parameter is present.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.RepoURL) == "":
		return errors.Join(ErrInvalidRequest, errors.New("repository url required"))
	case strings.TrimSpace(r.ProjectID) == "":
		return errors.Join(ErrInvalidRequest, errors.New("project id required"))
	case strings.TrimSpace(r.DeploymentID) == "":
		return errors.Join(ErrInvalidRequest, errors.New("deployment id required"))
	}
	return nil
}

// Env renders the worker environment. Static entries come first in key order;
// request parameters always win over static entries of the same name.
func (r Request) Env(static map[string]string) []string {
	reserved := map[string]string{
		"GIT_REPO_URL":  r.RepoURL,
		"PROJECT_ID":    r.ProjectID,
		"DEPLOYMENT_ID": r.DeploymentID,
	}
	keys := make([]string, 0, len(static))
	for k := range static {
		if _, clash := reserved[k]; !clash {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+len(reserved))
	for _, k := range keys {
		env = append(env, k+"="+static[k])
	}
	env = append(env,
		"GIT_REPO_URL="+r.RepoURL,
		"PROJECT_ID="+r.ProjectID,
		"DEPLOYMENT_ID="+r.DeploymentID,
	)
	return env
}

// Labels returns the metadata attached to worker resources.
func (r Request) Labels() map[string]string {
	return map[string]string{
		LabelDeployment: r.DeploymentID,
		LabelProject:    r.ProjectID,
		LabelComponent:  "builder",
	}
}

// WorkerName derives a resource name for the deployment's worker.
func WorkerName(deploymentID string) string {
	id := strings.ToLower(strings.TrimSpace(deploymentID))
	if id == "" {
		return ""
	}
	name := "shipyard-build-" + id
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}
