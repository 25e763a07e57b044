package plugins

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	DefaultDockerImage    = "python:3.12-slim"
	defaultDockerMemoryMB = 256
)

// DockerRunner executes each plugin in an ephemeral container with the
// plugin directory mounted read-only at /plugin and networking disabled.
type DockerRunner struct {
	client   *client.Client
	image    string
	memoryMB int64
	network  string
}

// NewDockerRunner connects using the standard DOCKER_* environment.
func NewDockerRunner(image string, memoryMB int64, network string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = DefaultDockerImage
	}
	if memoryMB <= 0 {
		memoryMB = defaultDockerMemoryMB
	}
	if network == "" {
		network = "none"
	}
	return &DockerRunner{client: cli, image: image, memoryMB: memoryMB, network: network}, nil
}

func (d *DockerRunner) Run(ctx context.Context, p Plugin) (Exec, error) {
	image := p.Image
	if image == "" {
		image = d.image
	}
	dir, err := filepath.Abs(filepath.Dir(p.Path))
	if err != nil {
		return Exec{ExitCode: -1}, fmt.Errorf("plugin dir: %w", err)
	}
	name, args := Command("/plugin/" + filepath.Base(p.Path))
	cmd := append([]string{name}, args...)
	cmd = append(cmd, p.Args...)

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        cmd,
		WorkingDir: "/plugin",
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(d.network),
		Binds:       []string{dir + ":/plugin:ro"},
	}, nil, nil, "")
	if err != nil {
		return Exec{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Exec{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	out := Exec{ExitCode: -1}
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
			return out, ctx.Err()
		}
		return out, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		out.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return out, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return out, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
	out.Stdout = truncateOutput(stdout.String())
	out.Stderr = truncateOutput(stderr.String())
	return out, nil
}

func (d *DockerRunner) Close() error {
	return d.client.Close()
}
