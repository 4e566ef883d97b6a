package kubernetes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/splax/shipyard/internal/launcher"
)

func newTestLauncher(t *testing.T) (*Launcher, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	l, err := NewWithClient(client, Options{
		Namespace: "builds",
		Image:     "shipyard/builder:test",
		JobTTL:    time.Hour,
		Env:       map[string]string{"LOG_STREAM": "container-logs"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	return l, client
}

func TestPingListsJobs(t *testing.T) {
	l, client := newTestLauncher(t)
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	actions := client.Actions()
	if len(actions) != 1 || actions[0].GetVerb() != "list" || actions[0].GetNamespace() != "builds" {
		t.Fatalf("expected one job list in builds, got %v", actions)
	}
}

func TestLaunchCreatesJob(t *testing.T) {
	l, client := newTestLauncher(t)
	req := launcher.Request{RepoURL: "https://github.com/x/y", ProjectID: "p1", DeploymentID: "d1"}

	if err := l.Launch(context.Background(), req); err != nil {
		t.Fatalf("launch: %v", err)
	}

	job, err := client.BatchV1().Jobs("builds").Get(context.Background(), "shipyard-build-d1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Spec.BackoffLimit == nil || *job.Spec.BackoffLimit != 0 {
		t.Fatalf("expected backoff limit 0, got %v", job.Spec.BackoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished == nil || *job.Spec.TTLSecondsAfterFinished != 3600 {
		t.Fatalf("expected ttl 3600, got %v", job.Spec.TTLSecondsAfterFinished)
	}
	if job.Labels[launcher.LabelDeployment] != "d1" {
		t.Fatalf("unexpected labels %v", job.Labels)
	}
	containers := job.Spec.Template.Spec.Containers
	if len(containers) != 1 || containers[0].Image != "shipyard/builder:test" {
		t.Fatalf("unexpected containers %+v", containers)
	}
	env := map[string]string{}
	for _, e := range containers[0].Env {
		env[e.Name] = e.Value
	}
	if env["GIT_REPO_URL"] != "https://github.com/x/y" || env["PROJECT_ID"] != "p1" || env["DEPLOYMENT_ID"] != "d1" || env["LOG_STREAM"] != "container-logs" {
		t.Fatalf("unexpected env %v", env)
	}
}

func TestLaunchIsIdempotentPerDeployment(t *testing.T) {
	l, _ := newTestLauncher(t)
	req := launcher.Request{RepoURL: "r", ProjectID: "p1", DeploymentID: "d1"}
	if err := l.Launch(context.Background(), req); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if err := l.Launch(context.Background(), req); err != nil {
		t.Fatalf("second launch: %v", err)
	}
}

func TestLaunchRejectsInvalidRequest(t *testing.T) {
	l, _ := newTestLauncher(t)
	if err := l.Launch(context.Background(), launcher.Request{}); !errors.Is(err, launcher.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
