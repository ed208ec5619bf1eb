package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// DockerCLIDriver launches sandbox containers by shelling out to a
// docker-compatible CLI binary, honoring DOCKER_HOST exactly as the
// docker client itself does (the binary reads it from its own
// environment; this driver never parses it).
type DockerCLIDriver struct {
	// Binary is the CLI executable name, defaulting to "docker". Tests
	// and Podman-backed deployments may override it.
	Binary string
	// ExposedPort is the in-container port the worker listens on.
	ExposedPort int
	// ExtraArgs is appended to `docker run` verbatim, e.g. the elevated
	// network capabilities the lifecycle note calls for.
	ExtraArgs []string
}

func (d *DockerCLIDriver) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

func (d *DockerCLIDriver) port() int {
	if d.ExposedPort != 0 {
		return d.ExposedPort
	}
	return 8080
}

// Launch runs `docker run -d -P <image>` with the spec's environment
// injected via -e flags, then reads back the host-mapped port with
// `docker port`.
func (d *DockerCLIDriver) Launch(ctx context.Context, spec LaunchSpec) (*Container, error) {
	name := "strix-sandbox-" + uuid.NewString()

	args := []string{"run", "-d", "--rm", "--name", name, "-P"}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, d.ExtraArgs...)
	args = append(args, spec.Image)

	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker run: %w: %s", err, stderr.String())
	}
	containerID := strings.TrimSpace(stdout.String())

	hostPort, err := d.hostPort(ctx, containerID)
	if err != nil {
		_ = d.Stop(ctx, containerID)
		return nil, err
	}

	return &Container{
		ID:      containerID,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%s", hostPort),
	}, nil
}

func (d *DockerCLIDriver) hostPort(ctx context.Context, containerID string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary(), "port", containerID, fmt.Sprintf("%d/tcp", d.port()))
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, stderr.String())
	}
	mapping := strings.TrimSpace(stdout.String())
	idx := strings.LastIndex(mapping, ":")
	if idx == -1 {
		return "", fmt.Errorf("unexpected docker port output %q", mapping)
	}
	return mapping[idx+1:], nil
}

// Stop force-removes the container; errors are swallowed by callers
// that are already on a best-effort cleanup path.
func (d *DockerCLIDriver) Stop(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, d.binary(), "rm", "-f", containerID)
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker rm: %w: %s", err, stderr.String())
	}
	return nil
}
