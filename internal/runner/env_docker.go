package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/necrocode/necrocode/internal/docker"
)

// DockerEnv runs each pipeline command inside a fresh container, mounting
// the allocated slot's worktree at /workspace — the container execution
// environment named in spec.md §4.4 and wired per SPEC_FULL.md's DOMAIN
// STACK. No environment variables are passed into the container. One container is
// created per Run call and torn down afterward; this trades a little
// overhead for never leaking state between commands in different stages.
type DockerEnv struct {
	client *docker.Client
	image  string
}

func NewDockerEnv(client *docker.Client, image string) *DockerEnv {
	return &DockerEnv{client: client, image: image}
}

func (e *DockerEnv) Run(ctx context.Context, dir string, command []string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	containerID, err := e.client.RunContainer(runCtx, e.image, dir)
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker env: run container: %w", err)
	}
	defer e.client.StopContainer(context.Background(), containerID)

	output, err := e.client.Exec(runCtx, containerID, command)
	res := ExecResult{Stdout: output, Duration: time.Since(start)}
	if err != nil {
		res.ExitCode = 1
		return res, err
	}
	return res, nil
}
