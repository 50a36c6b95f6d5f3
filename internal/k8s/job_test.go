package k8s

import (
	"encoding/json"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/mentatlab/orchestrator/pkg/types"
)

func TestBuildJob_NameIsAttemptScoped(t *testing.T) {
	b := NewJobBuilder(DefaultJobConfig())
	node := &types.NodeSpec{ID: "fetch", AgentRef: "http-get"}

	first, err := b.BuildJob("run-123", "fetch", node, 1)
	if err != nil {
		t.Fatalf("build attempt 1: %v", err)
	}
	second, err := b.BuildJob("run-123", "fetch", node, 2)
	if err != nil {
		t.Fatalf("build attempt 2: %v", err)
	}

	if first.Name == second.Name {
		t.Fatalf("expected distinct job names per attempt, got %q for both", first.Name)
	}
	if first.Labels["mentatlab/attempt"] != "1" || second.Labels["mentatlab/attempt"] != "2" {
		t.Errorf("expected attempt label to track the attempt number, got %q and %q",
			first.Labels["mentatlab/attempt"], second.Labels["mentatlab/attempt"])
	}
}

func TestBuildJob_ThreadsParamsIntoPodEnv(t *testing.T) {
	b := NewJobBuilder(DefaultJobConfig())
	node := &types.NodeSpec{
		ID:       "score",
		AgentRef: "scorer",
		Params:   map[string]json.RawMessage{"threshold": json.RawMessage(`0.5`)},
	}

	job, err := b.BuildJob("run-1", "score", node, 1)
	if err != nil {
		t.Fatalf("build job: %v", err)
	}

	env := job.Spec.Template.Spec.Containers[0].Env
	if !hasEnvVar(env, "NODE_PARAMS", `{"threshold":0.5}`) {
		t.Errorf("expected NODE_PARAMS env var carrying the node's params, got %+v", env)
	}
	if !hasEnvVar(env, "MENTATLAB_ATTEMPT", "1") {
		t.Errorf("expected MENTATLAB_ATTEMPT=1, got %+v", env)
	}
}

func hasEnvVar(env []corev1.EnvVar, name, value string) bool {
	for _, e := range env {
		if e.Name == name && e.Value == value {
			return true
		}
	}
	return false
}

func TestGetJobStatus_ClassifiesFailureReason(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"BackoffLimitExceeded", "permanent"},
		{"DeadlineExceeded", "transient"},
		{"PodFailurePolicy", "transient"},
	}

	for _, tc := range cases {
		job := &batchv1.Job{
			Status: batchv1.JobStatus{
				Failed: 1,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: tc.reason},
				},
			},
		}
		status := GetJobStatus(job)
		if status.Phase != "failed" {
			t.Fatalf("reason %q: expected phase failed, got %s", tc.reason, status.Phase)
		}
		if status.FailureKind != tc.want {
			t.Errorf("reason %q: expected failure kind %s, got %s", tc.reason, tc.want, status.FailureKind)
		}
	}
}
