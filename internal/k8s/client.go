// Package k8s provides Kubernetes integration for running agents as Jobs.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps the Kubernetes clientset with orchestrator-specific methods.
type Client struct {
	clientset *kubernetes.Clientset
	namespace string
}

// Config holds K8s client configuration.
type Config struct {
	// InCluster indicates whether to use in-cluster config
	InCluster bool

	// Kubeconfig path (used when not in-cluster)
	Kubeconfig string

	// Namespace for orchestrator resources
	Namespace string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	// Try to find kubeconfig
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	return &Config{
		InCluster:  false,
		Kubeconfig: kubeconfig,
		Namespace:  "mentatlab",
	}
}

// NewClient creates a new K8s client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error

	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "mentatlab"
	}

	return &Client{
		clientset: clientset,
		namespace: namespace,
	}, nil
}

// Namespace returns the configured namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// Clientset returns the underlying clientset for advanced operations.
func (c *Client) Clientset() *kubernetes.Clientset {
	return c.clientset
}

// retryAPICall retries a read-only API server call up to 3 times with
// linear backoff on transient errors (server timeout, too-many-requests,
// internal error), matching the backend-retry philosophy the scheduler
// applies to node attempts. Not-found and validation errors are never
// retried since a retry cannot change their outcome.
func retryAPICall(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !apierrors.IsServerTimeout(err) && !apierrors.IsTooManyRequests(err) && !apierrors.IsInternalError(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// CreateJob creates a new Job in the configured namespace. It is idempotent
// on AlreadyExists: a driver retrying a node attempt after a partial failure
// (e.g. it created the Job but crashed before observing the result) gets
// back the existing Job rather than an error, since the Job name is already
// scoped to this exact attempt.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if apierrors.IsAlreadyExists(err) {
		return c.GetJob(ctx, job.Name)
	}
	return nil, err
}

// GetJob retrieves a Job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	var job *batchv1.Job
	err := retryAPICall(ctx, func() error {
		var getErr error
		job, getErr = c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
		return getErr
	})
	return job, err
}

// DeleteJob deletes a Job by name. Idempotent: a not-found Job is treated as
// already deleted rather than an error, so Abort can be called repeatedly
// (including racing with the Job's own TTL cleanup) without surfacing noise.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListJobs lists Jobs with the given label selector.
func (c *Client) ListJobs(ctx context.Context, labelSelector string) (*batchv1.JobList, error) {
	var list *batchv1.JobList
	err := retryAPICall(ctx, func() error {
		var listErr error
		list, listErr = c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labelSelector,
		})
		return listErr
	})
	return list, err
}

// GetPodLogs retrieves logs from a pod.
func (c *Client) GetPodLogs(ctx context.Context, podName string, opts *corev1.PodLogOptions) (string, error) {
	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, opts)
	result, err := req.DoRaw(ctx)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// ListPods lists pods with the given label selector.
func (c *Client) ListPods(ctx context.Context, labelSelector string) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// HealthCheck verifies connectivity to the K8s API.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}

// CreateCronJob creates a new CronJob in the configured namespace.
func (c *Client) CreateCronJob(ctx context.Context, cj *batchv1.CronJob) (*batchv1.CronJob, error) {
	return c.clientset.BatchV1().CronJobs(c.namespace).Create(ctx, cj, metav1.CreateOptions{})
}

// GetCronJob retrieves a CronJob by name.
func (c *Client) GetCronJob(ctx context.Context, name string) (*batchv1.CronJob, error) {
	return c.clientset.BatchV1().CronJobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// DeleteCronJob deletes a CronJob by name. Idempotent like DeleteJob.
func (c *Client) DeleteCronJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().CronJobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListCronJobs lists CronJobs with the given label selector.
func (c *Client) ListCronJobs(ctx context.Context, labelSelector string) (*batchv1.CronJobList, error) {
	return c.clientset.BatchV1().CronJobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}
