package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/splax/shipyard/internal/launcher"
)

// containerAPI is the subset of the Docker SDK the launcher drives.
type containerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	io.Closer
}

// Options configures the Docker launcher.
type Options struct {
	Host    string
	Image   string
	Network string
	Env     map[string]string
}

// Launcher starts one auto-removed builder container per deployment.
type Launcher struct {
	api     containerAPI
	image   string
	network string
	env     map[string]string
	logger  *slog.Logger
}

var _ launcher.Launcher = (*Launcher)(nil)

// New connects to the Docker daemon using environment defaults.
func New(opts Options, logger *slog.Logger) (*Launcher, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	inner, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithAPI(inner, opts, logger)
}

func newWithAPI(api containerAPI, opts Options, logger *slog.Logger) (*Launcher, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return nil, fmt.Errorf("builder image cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		api:     api,
		image:   opts.Image,
		network: strings.TrimSpace(opts.Network),
		env:     opts.Env,
		logger:  logger.With("component", "launcher", "launcher", "docker"),
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (l *Launcher) Ping(ctx context.Context) error {
	ping, err := l.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Launch creates and starts the builder container.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	name := launcher.WorkerName(req.DeploymentID)

	config := &container.Config{
		Image:  l.image,
		Env:    req.Env(l.env),
		Labels: req.Labels(),
	}
	hostCfg := &container.HostConfig{AutoRemove: true}
	var netCfg *network.NetworkingConfig
	if l.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{l.network: {}},
		}
	}

	created, err := l.api.ContainerCreate(ctx, config, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := l.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			l.logger.Warn("failed to remove unstarted builder", "container_id", created.ID, "error", rmErr)
		}
		return fmt.Errorf("container start: %w", err)
	}

	l.logger.Info("builder started",
		"deployment_id", req.DeploymentID,
		"project_id", req.ProjectID,
		"container_id", created.ID,
		"image", l.image,
	)
	return nil
}

// Close releases resources held by the Docker client.
func (l *Launcher) Close() error {
	if l.api == nil {
		return nil
	}
	return l.api.Close()
}
