package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentatlab/orchestrator/internal/k8s"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// K8sJobDriver executes nodes as Kubernetes Jobs, one Job per node attempt,
// labeled mentatlab/run={run_id},mentatlab/node={node_id}.
type K8sJobDriver struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	emitter    Emitter
}

// K8sDriverConfig holds configuration for the K8s driver.
type K8sDriverConfig struct {
	K8sConfig *k8s.Config
	JobConfig *k8s.JobConfig
}

// NewK8sJobDriver creates a new K8s Job driver.
func NewK8sJobDriver(emitter Emitter, cfg *K8sDriverConfig) (*K8sJobDriver, error) {
	if cfg == nil {
		cfg = &K8sDriverConfig{}
	}

	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &K8sJobDriver{client: client, jobBuilder: k8s.NewJobBuilder(jobCfg), emitter: emitter}, nil
}

// Execute creates a K8s Job for the node and waits for it to reach a
// terminal phase, streaming pod logs as they arrive.
func (d *K8sJobDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) Result {
	nodeSpec := &types.NodeSpec{ID: nodeID, AgentRef: agentRef, Params: params, Cmd: cmd, Env: env}
	if timeout > 0 {
		nodeSpec.Timeout = time.Duration(timeout * float64(time.Second))
	}

	d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "running", "attempt": attempt}, "")

	job, err := d.jobBuilder.BuildJob(runID, nodeID, nodeSpec, attempt)
	if err != nil {
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "reason": "build_job_failed", "error": err.Error()}, "error")
		return Result{Kind: FailurePermanent, Message: fmt.Sprintf("build job: %v", err), ExitCode: -1}
	}

	createdJob, err := d.client.CreateJob(ctx, job)
	if err != nil {
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "reason": "create_job_failed", "error": err.Error()}, "error")
		return Result{Kind: FailureTransient, Message: fmt.Sprintf("create job: %v", err), ExitCode: -1}
	}
	jobName := createdJob.Name
	slog.Info("created k8s job", slog.String("job", jobName), slog.String("run_id", runID), slog.String("node_id", nodeID), slog.Int("attempt", attempt))

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()

	type outcome struct {
		exitCode    int
		failureKind string
		err         error
	}
	done := make(chan outcome, 1)

	watcher := k8s.NewJobWatcher(d.client, jobName, runID, nodeID, attempt, &k8s.WatchConfig{
		OnLog: func(line string, isStderr bool) { d.processLogLine(ctx, runID, nodeID, line, isStderr) },
		OnStatus: func(status *k8s.JobStatus) {
			d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{
				"status": "running", "attempt": attempt,
				"active": status.Active, "succeeded": status.Succeeded, "failed": status.Failed,
			}, "")
		},
		OnComplete: func(code int, failureKind string, err error) {
			select {
			case done <- outcome{code, failureKind, err}:
			default:
			}
			watchCancel()
		},
	})
	go watcher.Watch(watchCtx)

	select {
	case o := <-done:
		return d.finalize(ctx, runID, nodeID, jobName, o.exitCode, o.failureKind, o.err)
	case <-ctx.Done():
		_ = d.Abort(context.Background(), runID, nodeID)
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "canceled"}, "")
		return Result{Canceled: true, ExitCode: -1}
	}
}

func (d *K8sJobDriver) finalize(ctx context.Context, runID, nodeID, jobName string, exitCode int, failureKind string, err error) Result {
	if err != nil {
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "exitCode": exitCode, "error": err.Error()}, "error")
		return Result{Kind: FailureTransient, Message: err.Error(), ExitCode: exitCode}
	}
	if exitCode == 0 {
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "succeeded"}, "")
		return Result{Succeeded: true, ExitCode: 0}
	}
	kind := FailurePermanent
	if failureKind == "transient" {
		kind = FailureTransient
	}
	d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "exitCode": exitCode, "failureKind": failureKind}, "error")
	return Result{Kind: kind, Message: fmt.Sprintf("job %s failed", jobName), ExitCode: exitCode}
}

// Abort deletes the node's backing Job; idempotent, tolerates not-found.
func (d *K8sJobDriver) Abort(ctx context.Context, runID, nodeID string) error {
	jobs, err := d.client.ListJobs(ctx, fmt.Sprintf("mentatlab/run=%s,mentatlab/node=%s", runID, nodeID))
	if err != nil {
		return nil
	}
	for _, j := range jobs.Items {
		_ = d.client.DeleteJob(ctx, j.Name)
	}
	return nil
}

// Logs aggregates logs from the node's pod(s).
func (d *K8sJobDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	jobs, err := d.client.ListJobs(ctx, fmt.Sprintf("mentatlab/run=%s,mentatlab/node=%s", runID, nodeID))
	if err != nil || len(jobs.Items) == 0 {
		return nil, ErrLogsNotSupported
	}
	logs, err := d.client.GetJobLogs(ctx, jobs.Items[0].Name)
	if err != nil {
		return nil, err
	}
	return []string{logs}, nil
}

func (d *K8sJobDriver) processLogLine(ctx context.Context, runID, nodeID, line string, isStderr bool) {
	if parsed, err := types.ParseNDJSON([]byte(line)); err == nil {
		level := ""
		if l, ok := parsed.Raw["level"].(string); ok {
			level = l
		}
		d.emit(ctx, runID, nodeID, parsed.Type, parsed.Raw, level)
		return
	}
	level := "info"
	if isStderr {
		level = "error"
	}
	d.emit(ctx, runID, nodeID, "log", map[string]interface{}{"message": line, "level": level}, level)
}

func (d *K8sJobDriver) emit(ctx context.Context, runID, nodeID, eventType string, data map[string]interface{}, level string) {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level); err != nil {
		slog.Error("emit event error", slog.Any("error", err))
	}
}

// ScheduleCron registers a recurring execution of a node as a Kubernetes
// CronJob with ConcurrencyPolicy=Forbid. This is an additional capability of
// the K8s driver, not part of the Driver contract: scheduled runs bypass the
// per-run scheduler entirely and live as cluster resources until unscheduled.
func (d *K8sJobDriver) ScheduleCron(ctx context.Context, name, schedule string, node *types.NodeSpec) error {
	cj, err := d.jobBuilder.BuildCronJob(name, schedule, node)
	if err != nil {
		return err
	}
	if _, err := d.client.CreateCronJob(ctx, cj); err != nil {
		return fmt.Errorf("create cronjob: %w", err)
	}
	slog.Info("scheduled cronjob", slog.String("name", cj.Name), slog.String("schedule", schedule))
	return nil
}

// UnscheduleCron removes a previously scheduled CronJob. Idempotent.
func (d *K8sJobDriver) UnscheduleCron(ctx context.Context, name string) error {
	return d.client.DeleteCronJob(ctx, name)
}

// HealthCheck verifies K8s connectivity.
func (d *K8sJobDriver) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

var _ Driver = (*K8sJobDriver)(nil)
