package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeActivity carries one activity execution through the queue.
	TaskTypeActivity = "saga:activity"
	// TaskTypeTimer is a durable timer realised via delayed task processing.
	TaskTypeTimer = "saga:timer"
	// QueueSaga is the asynq queue saga tasks run on.
	QueueSaga = "saga"
)

// AsynqDriver dispatches saga work onto asynq. Activity retry budgets map to
// asynq's per-task MaxRetry; the backoff curve is applied by RetryDelay which
// must be installed as the server's RetryDelayFunc.
type AsynqDriver struct {
	client *asynq.Client
}

// NewAsynqDriver constructs a driver over an asynq client.
func NewAsynqDriver(client *asynq.Client) *AsynqDriver {
	return &AsynqDriver{client: client}
}

// DispatchActivity enqueues one activity task.
func (d *AsynqDriver) DispatchActivity(ctx context.Context, task ActivityTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("saga: encode activity task: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueSaga),
		asynq.MaxRetry(task.Policy.Attempts() - 1),
	}
	if task.Policy.Timeout > 0 {
		opts = append(opts, asynq.Timeout(task.Policy.Timeout))
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeActivity, payload), opts...); err != nil {
		return fmt.Errorf("saga: enqueue activity %s: %w", task.Name, err)
	}
	return nil
}

// DispatchTimer enqueues a delayed timer task.
func (d *AsynqDriver) DispatchTimer(ctx context.Context, task TimerTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("saga: encode timer task: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueSaga),
		asynq.ProcessIn(task.Duration),
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeTimer, payload), opts...); err != nil {
		return fmt.Errorf("saga: enqueue timer: %w", err)
	}
	return nil
}

// HandleActivityTask executes one activity attempt on the worker. Transient
// errors are returned to asynq for retry per the task's policy; once the
// budget is exhausted the failure is recorded in history and the instance
// advanced so the workflow can compensate.
func (r *Runtime) HandleActivityTask(ctx context.Context, t *asynq.Task) error {
	var task ActivityTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("saga: decode activity task: %v: %w", err, asynq.SkipRetry)
	}
	fn := r.activity(task.Name)
	if fn == nil {
		if err := r.FailActivity(ctx, task.InstanceID, task.Step, fmt.Errorf("activity %q not registered", task.Name)); err != nil {
			return err
		}
		return fmt.Errorf("saga: activity %q not registered: %w", task.Name, asynq.SkipRetry)
	}
	result, err := fn(ctx, task.Input)
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			if ferr := r.FailActivity(ctx, task.InstanceID, task.Step, err); ferr != nil {
				return ferr
			}
			return fmt.Errorf("saga: activity %s exhausted retries: %v: %w", task.Name, err, asynq.SkipRetry)
		}
		return err
	}
	return r.CompleteActivity(ctx, task.InstanceID, task.Step, result)
}

// HandleTimerTask fires the timer recorded for the task's step.
func (r *Runtime) HandleTimerTask(ctx context.Context, t *asynq.Task) error {
	var task TimerTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("saga: decode timer task: %v: %w", err, asynq.SkipRetry)
	}
	return r.FireTimer(ctx, task.InstanceID, task.Step)
}

// RetryDelay derives the next retry delay from the retry policy embedded in
// the failed task. Install as asynq.Config.RetryDelayFunc.
func RetryDelay(retried int, err error, t *asynq.Task) time.Duration {
	if t.Type() == TaskTypeActivity {
		var task ActivityTask
		if jsonErr := json.Unmarshal(t.Payload(), &task); jsonErr == nil {
			return task.Policy.Delay(retried)
		}
	}
	return asynq.DefaultRetryDelayFunc(retried, err, t)
}
