package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

const (
	// TaskWorkflowName is the registered name of the per-task workflow.
	TaskWorkflowName = "eventimport.task"

	activityRunTask    = "RunTask"
	activityTaskFailed = "TaskFailed"

	errTypePermanent = "PermanentTaskError"
)

// TaskInput is the workflow and activity argument.
type TaskInput struct {
	Name      string            `json:"name"`
	DedupeKey string            `json:"dedupe_key"`
	Payload   model.TaskPayload `json:"payload"`
}

// TaskFailure is passed to the failure activity.
type TaskFailure struct {
	Task    TaskInput `json:"task"`
	Message string    `json:"message"`
}

// TemporalOptions configures the Temporal backend.
type TemporalOptions struct {
	HostPort    string
	Namespace   string
	TaskQueue   string
	TaskTimeout time.Duration
}

// TemporalQueue runs each task as a workflow with a single retried activity.
// The workflow ID is derived from the dedupe key, so a second enqueue while a
// run is open attaches to it instead of starting another.
type TemporalQueue struct {
	*Registry
	client client.Client
	opts   TemporalOptions
	cfg    Config
}

// DialTemporal connects to a Temporal frontend.
func DialTemporal(opts TemporalOptions) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial temporal")
	}
	return c, nil
}

// NewTemporalQueue creates a queue that starts workflows through c.
func NewTemporalQueue(c client.Client, opts TemporalOptions, cfg Config) *TemporalQueue {
	if opts.TaskQueue == "" {
		opts.TaskQueue = "eventimport"
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	return &TemporalQueue{Registry: NewRegistry(), client: c, opts: opts, cfg: cfg.withDefaults()}
}

// WorkflowID is the workflow ID used for a task.
func WorkflowID(dedupeKey string, batch int) string {
	return dedupeKey + "/" + strconv.Itoa(batch)
}

// Enqueue implements Queue. Temporal does not report whether an open run was
// reused, so the result is always true on success.
func (q *TemporalQueue) Enqueue(ctx context.Context, name string, payload model.TaskPayload, dedupeKey string, delay time.Duration) (bool, error) {
	if dedupeKey == "" {
		dedupeKey = name
	}
	in := TaskInput{Name: name, DedupeKey: dedupeKey, Payload: payload}
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowID(dedupeKey, payload.Batch),
		TaskQueue:                q.opts.TaskQueue,
		StartDelay:               delay,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, TaskWorkflowName, in, q.workflowSettings())
	if err != nil {
		return false, eris.Wrapf(err, "queue: start workflow for %s", dedupeKey)
	}
	zap.L().Debug("queue: workflow started",
		zap.String("task", name),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return true, nil
}

// WorkflowSettings carries retry tuning into the workflow so workers with a
// different config do not change in-flight behavior.
type WorkflowSettings struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaximumInterval time.Duration `json:"maximum_interval"`
	Backoff         float64       `json:"backoff"`
	TaskTimeout     time.Duration `json:"task_timeout"`
}

func (q *TemporalQueue) workflowSettings() WorkflowSettings {
	return WorkflowSettings{
		MaxAttempts:     q.cfg.MaxAttempts,
		InitialInterval: q.cfg.Retry.InitialBackoff,
		MaximumInterval: q.cfg.Retry.MaxBackoff,
		Backoff:         q.cfg.Retry.Multiplier,
		TaskTimeout:     q.opts.TaskTimeout,
	}
}

// TaskWorkflow runs the task activity and reports permanent failure through
// the failure activity.
func TaskWorkflow(ctx workflow.Context, in TaskInput, s WorkflowSettings) error {
	backoff := s.Backoff
	if backoff < 1 {
		backoff = 2
	}
	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: s.TaskTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        s.InitialInterval,
			BackoffCoefficient:     backoff,
			MaximumInterval:        s.MaximumInterval,
			MaximumAttempts:        int32(s.MaxAttempts), //nolint:gosec // small config value
			NonRetryableErrorTypes: []string{errTypePermanent},
		},
	})

	err := workflow.ExecuteActivity(runCtx, activityRunTask, in).Get(runCtx, nil)
	if err == nil {
		return nil
	}

	workflow.GetLogger(ctx).Error("task failed", "task", in.Name, "dedupe_key", in.DedupeKey, "error", err.Error())
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	if ferr := workflow.ExecuteActivity(failCtx, activityTaskFailed, TaskFailure{Task: in, Message: err.Error()}).Get(failCtx, nil); ferr != nil {
		workflow.GetLogger(ctx).Error("failure hook failed", "error", ferr.Error())
	}
	return err
}

// Activities adapts a Registry to Temporal activities.
type Activities struct {
	registry *Registry
}

// RunTask dispatches the task. Errors that are not transient are marked
// non-retryable.
func (a *Activities) RunTask(ctx context.Context, in TaskInput) error {
	err := a.registry.dispatch(ctx, in.Name, in.Payload)
	if err == nil || resilience.IsTransient(err) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), errTypePermanent, err)
}

// TaskFailed runs the registry's failure hook.
func (a *Activities) TaskFailed(ctx context.Context, f TaskFailure) error {
	a.registry.failed(ctx, f.Task.Name, f.Task.Payload, eris.New(f.Message))
	return nil
}

// registrar is satisfied by worker.Worker and the SDK test environment.
type registrar interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivity(a any)
}

// Register adds the workflow and activities to a worker or test environment.
func (q *TemporalQueue) Register(r registrar) {
	r.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: TaskWorkflowName})
	r.RegisterActivity(&Activities{registry: q.Registry})
}

// Run starts a worker on the task queue and blocks until ctx is cancelled.
func (q *TemporalQueue) Run(ctx context.Context) error {
	w := worker.New(q.client, q.opts.TaskQueue, worker.Options{})
	q.Register(w)
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	zap.L().Info("queue: temporal worker started",
		zap.String("task_queue", q.opts.TaskQueue),
		zap.String("namespace", q.opts.Namespace),
	)
	<-ctx.Done()
	w.Stop()
	return nil
}
