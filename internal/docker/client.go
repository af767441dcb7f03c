package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient defines the subset of the Docker API that DockerEnv's
// run-one-container-per-command lifecycle needs. This allows for mocking in
// tests.
type APIClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Client wraps the official Docker client to provide the high-level
// orchestration methods the Agent Runner's container execution environment
// needs (spec.md §4.4 "Execution environments").
type Client struct {
	api APIClient
}

// NewClient creates a new Docker client instance.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// RunContainer starts a container with the specified image and mounts the
// workspace directory at /workspace. It returns the container ID or an
// error.
func (c *Client) RunContainer(ctx context.Context, imageRef string, workspace string) (string, error) {
	// Best-effort pull: a locally cached image should not block the run.
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err == nil {
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Tty:        true,
			OpenStdin:  true,
			WorkingDir: "/workspace",
			Cmd:        []string{"/bin/sh"},
		},
		&container.HostConfig{
			Binds: []string{
				fmt.Sprintf("%s:/workspace", workspace),
			},
		}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// Exec executes a command in a running container and returns the combined
// stdout and stderr.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var outBuf, errBuf bytes.Buffer
	// ExecConfig leaves Tty unset (false), so the stream is multiplexed and
	// must go through stdcopy rather than being read raw.
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return "", fmt.Errorf("failed to copy exec output: %w", err)
	}

	return outBuf.String() + errBuf.String(), nil
}

// StopContainer stops and force-removes the container.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	_ = c.api.ContainerStop(ctx, containerID, container.StopOptions{})
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
