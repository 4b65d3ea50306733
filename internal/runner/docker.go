package runner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const workspaceMount = "/workspace"

// DockerEngine runs sandboxes as plain Docker containers. Output demuxing
// happens here so callers see one clean interleaved stream regardless of the
// substrate.
type DockerEngine struct {
	client *client.Client
}

func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

func (e *DockerEngine) Name() string { return "docker" }

func (e *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"sh", "-c", spec.Command},
		Env:          spec.Env,
		WorkingDir:   workspaceMount,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"understudy.session_id": spec.SessionID,
			"understudy.run_id":     spec.RunID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: workspaceMount,
		}},
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "understudy-"+spec.RunID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *DockerEngine) Start(ctx context.Context, containerID string) error {
	return e.client.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (e *DockerEngine) Wait(ctx context.Context, containerID string) (<-chan int64, <-chan error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	exitCh := make(chan int64, 1)
	failCh := make(chan error, 1)
	go func() {
		select {
		case status := <-statusCh:
			if status.Error != nil {
				failCh <- errors.New(status.Error.Message)
				return
			}
			exitCh <- status.StatusCode
		case err := <-errCh:
			failCh <- err
		}
	}()
	return exitCh, failCh
}

func (e *DockerEngine) Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error) {
	raw, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, err
	}

	// The daemon multiplexes stdout and stderr with 8-byte frame headers
	// when the container has no TTY. Strip them here.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(copyErr)
	}()
	return &demuxedLogs{pr: pr, raw: raw}, nil
}

func (e *DockerEngine) Kill(ctx context.Context, containerID string, signal string) error {
	return e.client.ContainerKill(ctx, containerID, signal)
}

func (e *DockerEngine) Remove(ctx context.Context, containerID string) error {
	return e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

type demuxedLogs struct {
	pr  *io.PipeReader
	raw io.ReadCloser
}

func (d *demuxedLogs) Read(p []byte) (int, error) { return d.pr.Read(p) }

func (d *demuxedLogs) Close() error {
	d.pr.Close()
	return d.raw.Close()
}
