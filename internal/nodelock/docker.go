package nodelock

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerController restarts or stops the exec container.
type ContainerController interface {
	Restart(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// DockerController 透過 Docker Engine API 控制容器（等同 docker restart -t=0）
type DockerController struct {
	cli *client.Client
}

// NewDockerController builds a client from the environment (DOCKER_HOST,
// ...) plus any extra options.
func NewDockerController(opts ...client.Opt) (*DockerController, error) {
	base := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	cli, err := client.NewClientWithOpts(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerController{cli: cli}, nil
}

// Restart restarts name with a zero stop timeout.
func (d *DockerController) Restart(ctx context.Context, name string) error {
	zero := 0
	if err := d.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &zero}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	return nil
}

// Stop stops name with a zero stop timeout.
func (d *DockerController) Stop(ctx context.Context, name string) error {
	zero := 0
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &zero}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Close releases the docker client.
func (d *DockerController) Close() error {
	return d.cli.Close()
}
