// Package modelpool keeps warm inference-server containers for a model so a
// worker restart never pays the model load time. Lifecycle: pre-warm ->
// acquire -> release, with unhealthy instances destroyed instead of reused.
package modelpool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ModelImage describes one model's inference-server image.
type ModelImage struct {
	Slug  string // model slug the pool serves
	Image string // container image running the inference HTTP server
	Port  int    // port the server listens on inside the container
}

// Runtime abstracts the container runtime so the pool can run against local
// Docker in development and a remote engine in production.
type Runtime interface {
	// Create provisions and starts one inference container, returning its ID
	// and the address (host:port) the server is reachable at.
	Create(ctx context.Context, image ModelImage) (id, addr string, err error)

	// Destroy force-removes a container.
	Destroy(ctx context.Context, id string) error

	// Healthy reports whether the inference server at addr answers its health
	// endpoint.
	Healthy(ctx context.Context, addr string) bool

	// Name identifies the runtime for logging.
	Name() string
}

// DockerRuntime implements Runtime against the local Docker daemon.
type DockerRuntime struct {
	httpClient *http.Client
	// MemoryMB caps each container; zero means 2048.
	MemoryMB int64
}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

func (d *DockerRuntime) Name() string { return "docker-local" }

func (d *DockerRuntime) Create(ctx context.Context, image ModelImage) (string, string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	memLimit := d.MemoryMB
	if memLimit <= 0 {
		memLimit = 2048
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: memLimit * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image.Image,
		Tty:   false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", "", fmt.Errorf("start container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.IPAddress == "" {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", "", fmt.Errorf("container %s has no network address", resp.ID[:12])
	}

	addr := fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, image.Port)
	return resp.ID, addr, nil
}

func (d *DockerRuntime) Destroy(ctx context.Context, id string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

func (d *DockerRuntime) Healthy(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}
