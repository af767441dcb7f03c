// Package k8s wraps the Kubernetes client-go clientset the Agent Runner
// uses as one of its execution-environment adapters (spec.md §4.4
// "Execution environments" / §9 "the richer semantics ... are left to the
// environment adapter"): RunJob dispatches a single pipeline command as a
// Kubernetes Job, mirroring the direct-process and Docker adapters' Run
// contract so the Dispatcher/Runner boundary never sees which one is active.
package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is a wrapper around the Kubernetes clientset.
type Client struct {
	Clientset kubernetes.Interface
	Config    clientcmd.ClientConfig
}

// NewClient creates a new Kubernetes client. It will not return an error
// if no usable cluster configuration is found; the Client then has no
// clientset, and GetOrchestratorDeployment and ListAgentPods return nil
// without an error.
func NewClient() (*Client, error) {
	config, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientConfig := clientcmd.NewDefaultClientConfig(*config, &clientcmd.ConfigOverrides{})

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		// This can happen if the context is invalid or the cluster is unreachable.
		// We don't want to error out here, as the user may just not have k8s configured.
		return &Client{Config: clientConfig}, nil
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &Client{Clientset: clientset, Config: clientConfig}, nil
}

// GetCurrentContext returns the current kubeconfig context.
func (c *Client) GetCurrentContext() (string, error) {
	if c.Config == nil {
		return "", fmt.Errorf("kubeconfig not loaded")
	}
	rawConfig, err := c.Config.RawConfig()
	if err != nil {
		return "", fmt.Errorf("failed to get raw kubeconfig: %w", err)
	}
	if rawConfig.CurrentContext == "" {
		// Check if a kubeconfig file exists at all.
		// If not, we can provide a more helpful message.
		if home, err := os.UserHomeDir(); err == nil {
			if _, err := os.Stat(filepath.Join(home, ".kube", "config")); os.IsNotExist(err) {
				return "", nil // No kubeconfig, not an error state.
			}
		}
		return "", fmt.Errorf("no current context set in kubeconfig")
	}
	return rawConfig.CurrentContext, nil
}

// GetOrchestratorDeployment returns the main orchestrator deployment.
func (c *Client) GetOrchestratorDeployment(ctx context.Context) (*appsv1.Deployment, error) {
	if c.Clientset == nil {
		return nil, nil // No clientset means no k8s, not an error.
	}

	namespace, _, err := c.Config.Namespace()
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace: %w", err)
	}

	deployment, err := c.Clientset.AppsV1().Deployments(namespace).Get(ctx, "necrocode-dispatcher", metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// ListAgentPods returns all pods running the Agent Runner's managed-job
// execution environment.
func (c *Client) ListAgentPods(ctx context.Context) ([]apiv1.Pod, error) {
	if c.Clientset == nil {
		return nil, nil // No clientset means no k8s, not an error.
	}
	namespace, _, err := c.Config.Namespace()
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace: %w", err)
	}

	podList, err := c.Clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=necrocode-runner",
	})
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}

// JobResult is one command's observable outcome when run as a Kubernetes
// Job, mirroring runner.ExecResult so callers can treat every execution
// environment uniformly.
type JobResult struct {
	Output   string
	ExitCode int
}

// RunJob creates a single-pod, non-retrying Job that runs command against
// image with workspace mounted at /workspace via a hostPath volume (the
// allocated slot's path on the node backing the pool), waits for it to
// reach a terminal phase or ctx/timeout expiry, collects the pod's log, and
// deletes the Job (propagating to its pod) before returning. This is the
// "managed job" execution environment named in spec.md §4.4/§9.
func (c *Client) RunJob(ctx context.Context, image, workspace string, command []string, env []string, timeout time.Duration) (JobResult, error) {
	if c.Clientset == nil {
		return JobResult{}, fmt.Errorf("k8s: clientset not initialized")
	}
	namespace, _, err := c.Config.Namespace()
	if err != nil {
		return JobResult{}, fmt.Errorf("k8s: get namespace: %w", err)
	}

	name := fmt.Sprintf("necrocode-run-%d", time.Now().UnixNano())
	backoff := int32(0)
	envVars := make([]apiv1.EnvVar, 0, len(env))
	for _, kv := range env {
		k, v, ok := splitEnv(kv)
		if !ok {
			continue
		}
		envVars = append(envVars, apiv1.EnvVar{Name: k, Value: v})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: map[string]string{"app": "necrocode-runner"}},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   int64Ptr(int64(timeout.Seconds())),
			TTLSecondsAfterFinished: int32Ptr(300),
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "necrocode-runner"}},
				Spec: apiv1.PodSpec{
					RestartPolicy: apiv1.RestartPolicyNever,
					Containers: []apiv1.Container{{
						Name:         "runner",
						Image:        image,
						Command:      command,
						Env:          envVars,
						WorkingDir:   "/workspace",
						VolumeMounts: []apiv1.VolumeMount{{Name: "workspace", MountPath: "/workspace"}},
					}},
					Volumes: []apiv1.Volume{{
						Name:         "workspace",
						VolumeSource: apiv1.VolumeSource{HostPath: &apiv1.HostPathVolumeSource{Path: workspace}},
					}},
				},
			},
		},
	}

	jobs := c.Clientset.BatchV1().Jobs(namespace)
	created, err := jobs.Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return JobResult{}, fmt.Errorf("k8s: create job: %w", err)
	}
	defer func() {
		policy := metav1.DeletePropagationBackground
		_ = jobs.Delete(context.Background(), created.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	}()

	deadline := time.Now().Add(timeout)
	for {
		cur, err := jobs.Get(ctx, created.Name, metav1.GetOptions{})
		if err != nil {
			return JobResult{}, fmt.Errorf("k8s: poll job: %w", err)
		}
		if cur.Status.Succeeded > 0 || cur.Status.Failed > 0 {
			exit := 0
			if cur.Status.Failed > 0 {
				exit = 1
			}
			output, _ := c.podLogsForJob(ctx, namespace, created.Name)
			return JobResult{Output: output, ExitCode: exit}, nil
		}
		if time.Now().After(deadline) {
			return JobResult{ExitCode: -1}, fmt.Errorf("k8s: job %s did not complete within %s", created.Name, timeout)
		}
		select {
		case <-ctx.Done():
			return JobResult{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Client) podLogsForJob(ctx context.Context, namespace, jobName string) (string, error) {
	pods, err := c.Clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return "", err
	}
	req := c.Clientset.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, &apiv1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, stream)
	return buf.String(), err
}

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
