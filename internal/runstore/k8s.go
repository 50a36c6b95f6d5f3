package runstore

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"

	"github.com/mentatlab/orchestrator/internal/k8s"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// Label keys must match what internal/k8s.JobBuilder.BuildJob stamps onto
// every Job it creates.
const (
	labelRunID  = "mentatlab/run"
	labelNodeID = "mentatlab/node"
)

// K8sRunStore reflects Run and NodeState off live batchv1.Job/corev1.Pod
// objects instead of owning its own state: a node's Job IS its state. It is
// read-only by design: write paths
// for this backend go through the Kubernetes API directly (job creation by
// the driver), not through RunStore.UpdateStatus. Delete is the exception:
// it deletes the run's Jobs.
type K8sRunStore struct {
	client *k8s.Client
}

var _ RunStore = (*K8sRunStore)(nil)

// NewK8sRunStore wraps an already-connected Kubernetes client.
func NewK8sRunStore(client *k8s.Client) *K8sRunStore {
	return &K8sRunStore{client: client}
}

func (s *K8sRunStore) Create(ctx context.Context, run *types.Run) error {
	return ErrNotImplemented
}

func (s *K8sRunStore) jobsForRun(ctx context.Context, runID string) (*batchv1.JobList, error) {
	return s.client.ListJobs(ctx, fmt.Sprintf("%s=%s", labelRunID, runID))
}

func (s *K8sRunStore) Get(ctx context.Context, id string) (*types.Run, error) {
	jobs, err := s.jobsForRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list jobs for run: %w", err)
	}
	if len(jobs.Items) == 0 {
		return nil, ErrNotFound
	}

	run := &types.Run{ID: id, Mode: types.ModeK8s}
	run.Status = aggregateRunStatus(jobs.Items)
	run.CreatedAt, run.UpdatedAt = jobTimesRange(jobs.Items)
	return run, nil
}

// aggregateRunStatus derives a Run-level status from its constituent node
// Jobs: any failure fails the run, anything still active means running,
// otherwise succeeded once every Job has completed.
func aggregateRunStatus(jobs []batchv1.Job) types.RunStatus {
	anyActive, anyFailed, anySucceeded, total := false, false, false, len(jobs)
	doneCount := 0
	for _, j := range jobs {
		st := k8s.GetJobStatus(&j)
		switch st.Phase {
		case "failed":
			anyFailed = true
			doneCount++
		case "succeeded":
			anySucceeded = true
			doneCount++
		case "running":
			anyActive = true
		}
	}
	switch {
	case anyFailed:
		return types.RunStatusFailed
	case anyActive:
		return types.RunStatusRunning
	case anySucceeded && doneCount == total:
		return types.RunStatusSucceeded
	default:
		return types.RunStatusQueued
	}
}

func jobTimesRange(jobs []batchv1.Job) (created, updated time.Time) {
	for _, j := range jobs {
		if created.IsZero() || j.CreationTimestamp.Time.Before(created) {
			created = j.CreationTimestamp.Time
		}
		if j.Status.CompletionTime != nil && j.Status.CompletionTime.Time.After(updated) {
			updated = j.Status.CompletionTime.Time
		}
	}
	if updated.IsZero() {
		updated = created
	}
	return
}

func (s *K8sRunStore) List(ctx context.Context) ([]*types.Run, error) {
	jobs, err := s.client.ListJobs(ctx, labelRunID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	byRun := make(map[string][]batchv1.Job)
	for _, j := range jobs.Items {
		runID := j.Labels[labelRunID]
		if runID == "" {
			continue
		}
		byRun[runID] = append(byRun[runID], j)
	}

	out := make([]*types.Run, 0, len(byRun))
	for runID, group := range byRun {
		run := &types.Run{ID: runID, Mode: types.ModeK8s, Status: aggregateRunStatus(group)}
		run.CreatedAt, run.UpdatedAt = jobTimesRange(group)
		out = append(out, run)
	}
	return out, nil
}

// UpdateStatus always fails: status here is a projection of Job state, not
// a field any caller can set directly.
func (s *K8sRunStore) UpdateStatus(ctx context.Context, id string, expectedPrev, newStatus types.RunStatus) (*types.Run, error) {
	return nil, ErrNotImplemented
}

func (s *K8sRunStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	return ErrNotImplemented
}

func (s *K8sRunStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	jobs, err := s.client.ListJobs(ctx, fmt.Sprintf("%s=%s,%s=%s", labelRunID, runID, labelNodeID, nodeID))
	if err != nil {
		return nil, fmt.Errorf("list jobs for node: %w", err)
	}
	if len(jobs.Items) == 0 {
		return nil, ErrNotFound
	}
	return jobToNodeState(runID, nodeID, &jobs.Items[0]), nil
}

func jobToNodeState(runID, nodeID string, job *batchv1.Job) *types.NodeState {
	st := k8s.GetJobStatus(job)
	state := &types.NodeState{RunID: runID, NodeID: nodeID, Attempt: int(job.Status.Failed) + 1}

	switch st.Phase {
	case "succeeded":
		state.State = types.NodeStatusSucceeded
	case "failed":
		state.State = types.NodeStatusFailed
	case "running":
		state.State = types.NodeStatusRunning
	default:
		state.State = types.NodeStatusPending
	}

	if st.StartTime != nil {
		t := st.StartTime.Time
		state.StartedAt = &t
	}
	if st.EndTime != nil {
		t := st.EndTime.Time
		state.FinishedAt = &t
	}
	return state
}

func (s *K8sRunStore) ListNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error) {
	jobs, err := s.jobsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for run: %w", err)
	}
	out := make(map[string]*types.NodeState, len(jobs.Items))
	for i := range jobs.Items {
		j := &jobs.Items[i]
		nodeID := j.Labels[labelNodeID]
		if nodeID == "" {
			continue
		}
		out[nodeID] = jobToNodeState(runID, nodeID, j)
	}
	return out, nil
}

// Delete removes every Job backing a run, which cascades to its Pods via
// background propagation.
func (s *K8sRunStore) Delete(ctx context.Context, id string) error {
	jobs, err := s.jobsForRun(ctx, id)
	if err != nil {
		return fmt.Errorf("list jobs for run: %w", err)
	}
	if len(jobs.Items) == 0 {
		return ErrNotFound
	}
	for _, j := range jobs.Items {
		if err := s.client.DeleteJob(ctx, j.Name); err != nil {
			return fmt.Errorf("delete job %s: %w", j.Name, err)
		}
	}
	return nil
}

func (s *K8sRunStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	if err := s.client.HealthCheck(ctx); err != nil {
		return map[string]interface{}{"adapter": "k8s", "healthy": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{
		"adapter": "k8s",
		"healthy": true,
		"details": map[string]interface{}{
			"namespace": s.client.Namespace(),
		},
	}, nil
}

func (s *K8sRunStore) Close() error { return nil }
