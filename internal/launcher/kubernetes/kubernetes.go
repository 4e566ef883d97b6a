package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/splax/shipyard/internal/launcher"
)

// Options configures the Job launcher.
type Options struct {
	Namespace string
	Image     string
	JobTTL    time.Duration
	Env       map[string]string
}

// Launcher runs each build as a one-shot batch Job.
type Launcher struct {
	client    kubernetes.Interface
	namespace string
	image     string
	ttl       time.Duration
	env       map[string]string
	logger    *slog.Logger
}

var _ launcher.Launcher = (*Launcher)(nil)

// New creates a Kubernetes-backed launcher. It prefers in-cluster configuration
// and falls back to KUBECONFIG when running locally.
func New(opts Options, logger *slog.Logger) (*Launcher, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, opts, logger)
}

// NewWithClient builds a launcher around an existing clientset.
func NewWithClient(client kubernetes.Interface, opts Options, logger *slog.Logger) (*Launcher, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return nil, fmt.Errorf("builder image cannot be empty")
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		client:    client,
		namespace: opts.Namespace,
		image:     opts.Image,
		ttl:       opts.JobTTL,
		env:       opts.Env,
		logger:    logger.With("component", "launcher", "launcher", "kubernetes"),
	}, nil
}

// Ping checks that the API server is reachable and Jobs in the build namespace
// can be listed.
func (l *Launcher) Ping(ctx context.Context) error {
	if _, err := l.client.BatchV1().Jobs(l.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("list jobs in %s: %w", l.namespace, err)
	}
	return nil
}

// Launch submits the build Job and returns once the API server accepted it.
// Resubmitting an existing deployment's Job is a no-op.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	job := l.buildJob(req)
	created, err := l.client.BatchV1().Jobs(l.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			l.logger.Warn("builder job already exists", "deployment_id", req.DeploymentID, "job", job.Name)
			return nil
		}
		return fmt.Errorf("create job: %w", err)
	}
	l.logger.Info("builder job created",
		"deployment_id", req.DeploymentID,
		"project_id", req.ProjectID,
		"job", created.Name,
		"namespace", l.namespace,
	)
	return nil
}

func (l *Launcher) buildJob(req launcher.Request) *batchv1.Job {
	labels := req.Labels()
	labels["app.kubernetes.io/name"] = "shipyard-builder"

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      launcher.WorkerName(req.DeploymentID),
			Namespace: l.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To[int32](0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:            "builder",
						Image:           l.image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Env:             envVars(req.Env(l.env)),
					}},
				},
			},
		},
	}
	if l.ttl > 0 {
		job.Spec.TTLSecondsAfterFinished = ptr.To(int32(l.ttl / time.Second))
	}
	return job
}

func envVars(pairs []string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(pairs))
	for _, kv := range pairs {
		name, value, _ := strings.Cut(kv, "=")
		out = append(out, corev1.EnvVar{Name: name, Value: value})
	}
	return out
}
