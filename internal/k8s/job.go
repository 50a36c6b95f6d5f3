package k8s

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	Namespace          string
	ServiceAccountName string
	ImagePullSecrets   []string

	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	ActiveDeadlineSeconds   *int64
	TTLSecondsAfterFinished *int32
	BackoffLimit            *int32

	// AgentImages maps an agent_ref to the container image that implements
	// it. Nodes whose AgentRef is absent fall back to DefaultImage.
	AgentImages  map[string]string
	DefaultImage string
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0) // the scheduler owns retries, not the Job
	deadline := int64(3600)

	return &JobConfig{
		Namespace:               "mentatlab",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
		DefaultImage:            "python:3.12-slim",
	}
}

// JobBuilder creates Kubernetes Jobs (and CronJobs) from NodeSpecs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

func (b *JobBuilder) imageFor(node *types.NodeSpec) string {
	if img, ok := b.config.AgentImages[node.AgentRef]; ok && img != "" {
		return img
	}
	return b.config.DefaultImage
}

// BuildJob creates a K8s Job from a NodeSpec. attempt is the node's 1-based
// retry count; it is folded into the Job name so a retried node never
// collides with the still-present (TTL-pending) Job object from its own
// prior attempt.
func (b *JobBuilder) BuildJob(runID, nodeID string, node *types.NodeSpec, attempt int) (*batchv1.Job, error) {
	if attempt < 1 {
		attempt = 1
	}
	jobName := sanitizeK8sName(fmt.Sprintf("run-%s-node-%s-a%d", shortID(runID), nodeID, attempt))

	labels := map[string]string{
		"app.kubernetes.io/name":       "mentatlab-agent",
		"app.kubernetes.io/component":  "agent",
		"app.kubernetes.io/managed-by": "orchestrator",
		"mentatlab/run":                runID,
		"mentatlab/node":               nodeID,
		"mentatlab/attempt":            fmt.Sprintf("%d", attempt),
	}
	if node.AgentRef != "" {
		labels["mentatlab/agent-ref"] = sanitizeK8sLabel(node.AgentRef)
	}

	podSpec := b.buildPodSpec(runID, nodeID, node, labels, attempt)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: b.config.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}

	if node.Timeout > 0 {
		deadline := int64(node.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	return job, nil
}

// BuildCronJob creates a Kubernetes CronJob for a scheduled recurring run of
// the given node, with ConcurrencyPolicy=Forbid so overlapping executions
// never run side by side. The schedule string is validated with robfig/cron
// before being handed to the API server.
func (b *JobBuilder) BuildCronJob(name, schedule string, node *types.NodeSpec) (*batchv1.CronJob, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	jobName := sanitizeK8sName(name)
	labels := map[string]string{
		"app.kubernetes.io/name":       "mentatlab-agent",
		"app.kubernetes.io/component":  "scheduled-agent",
		"app.kubernetes.io/managed-by": "orchestrator",
		"mentatlab/cron-name":          jobName,
	}
	if node.AgentRef != "" {
		labels["mentatlab/agent-ref"] = sanitizeK8sLabel(node.AgentRef)
	}

	podSpec := b.buildPodSpec("", "", node, labels, 0)

	cj := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: b.config.Namespace, Labels: labels},
		Spec: batchv1.CronJobSpec{
			Schedule:          schedule,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec:       podSpec,
					},
					BackoffLimit:            b.config.BackoffLimit,
					TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
				},
			},
		},
	}
	return cj, nil
}

func (b *JobBuilder) buildPodSpec(runID, nodeID string, node *types.NodeSpec, labels map[string]string, attempt int) corev1.PodSpec {
	envVars := []corev1.EnvVar{
		{Name: "RUN_ID", Value: runID},
		{Name: "NODE_ID", Value: nodeID},
		{Name: "AGENT_REF", Value: node.AgentRef},
		{Name: "MENTATLAB_ATTEMPT", Value: fmt.Sprintf("%d", attempt)},
	}
	if len(node.Params) > 0 {
		if paramsJSON, err := json.Marshal(node.Params); err == nil {
			envVars = append(envVars, corev1.EnvVar{Name: "NODE_PARAMS", Value: string(paramsJSON)})
		}
	}
	for key, value := range node.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	var command, args []string
	if len(node.Cmd) > 0 {
		command = []string{node.Cmd[0]}
		if len(node.Cmd) > 1 {
			args = node.Cmd[1:]
		}
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	container := corev1.Container{
		Name:            "agent",
		Image:           b.imageFor(node),
		Command:         command,
		Args:            args,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}
	return podSpec
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase      string
	Reason     string
	StartTime  *metav1.Time
	EndTime    *metav1.Time
	Succeeded  int32
	Failed     int32
	Active     int32
	Conditions []batchv1.JobCondition
	// FailureKind classifies Phase=="failed" for the scheduler's retry
	// policy; empty unless Phase is "failed".
	FailureKind string
}

// GetJobStatus extracts status from a Job object, including the Reason on
// its terminal condition (BackoffLimitExceeded, DeadlineExceeded, ...) so
// callers can tell a node's own logic failing from an infra-level hiccup.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		Phase:      "unknown",
		StartTime:  job.Status.StartTime,
		EndTime:    job.Status.CompletionTime,
		Succeeded:  job.Status.Succeeded,
		Failed:     job.Status.Failed,
		Active:     job.Status.Active,
		Conditions: job.Status.Conditions,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = "succeeded"
	case job.Status.Failed > 0:
		status.Phase = "failed"
	case job.Status.Active > 0:
		status.Phase = "running"
	default:
		status.Phase = "pending"
	}

	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			status.Phase = "succeeded"
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			status.Phase = "failed"
			status.Reason = cond.Reason
		}
	}

	if status.Phase == "failed" {
		status.FailureKind = classifyJobFailure(status.Reason)
	}

	return status
}

// classifyJobFailure maps a Job's failed-condition Reason to a retry
// classification. BackoffLimitExceeded means the container itself kept
// exiting non-zero, so retrying the same node attempt again would not help;
// everything else (DeadlineExceeded, pod eviction, node pressure, ...) is
// infra-level and worth a retry.
func classifyJobFailure(reason string) string {
	if reason == "BackoffLimitExceeded" {
		return "permanent"
	}
	return "transient"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitizeDNS1123 filters s down to the rune set allowed by the given
// charset predicate, truncates to 63 chars (the DNS-1123 label/K8s label
// value limit), and optionally trims leading/trailing '-' (required for
// resource names, not for label values).
func sanitizeDNS1123(s string, allowed func(rune) bool, trimDashes bool) string {
	var result strings.Builder
	for _, r := range s {
		if allowed(r) {
			result.WriteRune(r)
		}
	}
	out := result.String()
	if trimDashes {
		out = strings.Trim(out, "-")
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

// sanitizeK8sName converts a candidate string into a valid Job/CronJob name:
// lowercase alphanumerics and '-', with '_'/'.' folded to '-'.
func sanitizeK8sName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer("_", "-", ".", "-").Replace(name)
	return sanitizeDNS1123(name, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
	}, true)
}

// sanitizeK8sLabel converts a candidate string into a valid label value.
func sanitizeK8sLabel(value string) string {
	return sanitizeDNS1123(value, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
	}, false)
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
