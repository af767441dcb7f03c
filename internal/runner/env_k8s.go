package runner

import (
	"context"
	"time"

	"github.com/necrocode/necrocode/internal/k8s"
)

// K8sEnv runs each pipeline command as a Kubernetes Job, the "managed job"
// execution environment named in spec.md §4.4/§9.
type K8sEnv struct {
	client *k8s.Client
	image  string
	env    []string
}

func NewK8sEnv(client *k8s.Client, image string, env []string) *K8sEnv {
	return &K8sEnv{client: client, image: image, env: env}
}

func (e *K8sEnv) Run(ctx context.Context, dir string, command []string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	start := time.Now()
	result, err := e.client.RunJob(ctx, e.image, dir, command, e.env, timeout)
	return ExecResult{Stdout: result.Output, ExitCode: result.ExitCode, Duration: time.Since(start)}, err
}
