package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/necrocode/internal/docker"
)

func TestDockerEnv_Run_Success(t *testing.T) {
	client, mock := docker.NewMockClient()
	mock.ContainerExecCreateFunc = func(_ context.Context, containerID string, config container.ExecOptions) (types.IDResponse, error) {
		assert.Equal(t, "mock-container-id", containerID)
		assert.Equal(t, []string{"go", "test", "./..."}, config.Cmd)
		return types.IDResponse{ID: "exec-1"}, nil
	}

	env := NewDockerEnv(client, "golang:1.22")
	res, err := env.Run(context.Background(), "/slots/slot1", []string{"go", "test", "./..."}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestDockerEnv_Run_ContainerCreateFailureIsWrapped(t *testing.T) {
	client, mock := docker.NewMockClient()
	mock.ContainerCreateFunc = func(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
		return container.CreateResponse{}, errors.New("daemon down")
	}

	env := NewDockerEnv(client, "golang:1.22")
	_, err := env.Run(context.Background(), "/slots/slot1", []string{"echo", "hi"}, time.Minute)
	assert.Error(t, err)
}

func TestDockerEnv_Run_ExecFailurePropagatesAndStopsContainer(t *testing.T) {
	client, mock := docker.NewMockClient()
	var stopped bool
	mock.ContainerExecCreateFunc = func(_ context.Context, _ string, _ container.ExecOptions) (types.IDResponse, error) {
		return types.IDResponse{}, errors.New("exec create failed")
	}
	mock.ContainerStopFunc = func(_ context.Context, _ string, _ container.StopOptions) error {
		stopped = true
		return nil
	}

	env := NewDockerEnv(client, "golang:1.22")
	res, err := env.Run(context.Background(), "/slots/slot1", []string{"echo", "hi"}, time.Minute)
	assert.Error(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, stopped, "expected the container to be stopped even after a failed exec")
}

func TestDockerEnv_Run_DefaultsTimeoutWhenUnset(t *testing.T) {
	client, _ := docker.NewMockClient()
	env := NewDockerEnv(client, "golang:1.22")

	res, err := env.Run(context.Background(), "/slots/slot1", []string{"echo", "hi"}, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}
