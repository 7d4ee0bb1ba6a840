package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerReloader reloads engines by sending SIGHUP to their containers.
type DockerReloader struct {
	client   *client.Client
	template string
}

// NewDockerReloader connects to the Docker daemon from the environment.
// template maps an org id to its container name, e.g. "vector-%s".
func NewDockerReloader(template string) (*DockerReloader, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return nil, fmt.Errorf("container name template required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerReloader{client: cli, template: template}, nil
}

// Container returns the container name for an org.
func (r *DockerReloader) Container(orgID string) string {
	return fmt.Sprintf(r.template, orgID)
}

// Reload signals the org's engine container.
func (r *DockerReloader) Reload(ctx context.Context, orgID string) error {
	container := r.Container(orgID)
	if err := r.client.ContainerKill(ctx, container, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: engine container %s not found", ErrUnavailable, container)
		}
		return err
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerReloader) Close() error {
	return r.client.Close()
}
