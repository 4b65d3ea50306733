package runner

import (
	"context"
	"io"
)

// Engine abstracts the container substrate behind the lifecycle the runner
// drives. Wait must deliver exactly one value across its two channels; both
// are expected to be buffered so an abandoned wait never leaks a goroutine.
type Engine interface {
	Name() string
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Wait(ctx context.Context, containerID string) (<-chan int64, <-chan error)
	Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)
	Kill(ctx context.Context, containerID string, signal string) error
	Remove(ctx context.Context, containerID string) error
}

// ContainerSpec is everything an engine needs to build one sandbox.
// WorkspaceDir is a host path the engine mounts at the container's working
// directory.
type ContainerSpec struct {
	Image        string
	Command      string
	Env          []string
	WorkspaceDir string
	SessionID    string
	RunID        string
}
