package saga

import (
	"context"
	"fmt"
	"sync"
)

// InlineWorker is a Driver that collects dispatched work and executes it
// in-process. It backs tests and single-node deployments without a queue
// broker. Retries happen immediately instead of honouring backoff intervals;
// the attempt budget is still respected.
type InlineWorker struct {
	mu         sync.Mutex
	runtime    *Runtime
	activities []ActivityTask
	timers     []TimerTask
}

// NewInlineWorker constructs an unbound InlineWorker.
func NewInlineWorker() *InlineWorker {
	return &InlineWorker{}
}

// Bind attaches the runtime after construction; the runtime needs the driver
// at construction time, so the cycle is closed here.
func (w *InlineWorker) Bind(rt *Runtime) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runtime = rt
}

// DispatchActivity queues the activity for the next Drain.
func (w *InlineWorker) DispatchActivity(ctx context.Context, task ActivityTask) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activities = append(w.activities, task)
	return nil
}

// DispatchTimer records the timer; inline timers never fire on their own and
// are released explicitly via FireTimer.
func (w *InlineWorker) DispatchTimer(ctx context.Context, task TimerTask) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timers = append(w.timers, task)
	return nil
}

// Drain executes queued activities until none remain, honouring each task's
// attempt budget. Activities scheduled as a consequence of completions are
// picked up in the same call.
func (w *InlineWorker) Drain(ctx context.Context) error {
	for {
		w.mu.Lock()
		if len(w.activities) == 0 {
			w.mu.Unlock()
			return nil
		}
		task := w.activities[0]
		w.activities = w.activities[1:]
		rt := w.runtime
		w.mu.Unlock()

		if rt == nil {
			return fmt.Errorf("saga: inline worker not bound to a runtime")
		}
		fn := rt.activity(task.Name)
		if fn == nil {
			if err := rt.FailActivity(ctx, task.InstanceID, task.Step, fmt.Errorf("activity %q not registered", task.Name)); err != nil {
				return err
			}
			continue
		}
		var (
			result []byte
			err    error
		)
		for attempt := 0; attempt < task.Policy.Attempts(); attempt++ {
			result, err = fn(ctx, task.Input)
			if err == nil {
				break
			}
		}
		if err != nil {
			if ferr := rt.FailActivity(ctx, task.InstanceID, task.Step, err); ferr != nil {
				return ferr
			}
			continue
		}
		if cerr := rt.CompleteActivity(ctx, task.InstanceID, task.Step, result); cerr != nil {
			return cerr
		}
	}
}

// PendingTimers returns a snapshot of timers that have not been fired.
func (w *InlineWorker) PendingTimers() []TimerTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TimerTask, len(w.timers))
	copy(out, w.timers)
	return out
}

// FireTimer fires the first pending timer for the given instance.
func (w *InlineWorker) FireTimer(ctx context.Context, instanceID string) error {
	w.mu.Lock()
	var (
		task  TimerTask
		found bool
	)
	for i, t := range w.timers {
		if t.InstanceID == instanceID {
			task = t
			w.timers = append(w.timers[:i], w.timers[i+1:]...)
			found = true
			break
		}
	}
	rt := w.runtime
	w.mu.Unlock()
	if !found {
		return fmt.Errorf("saga: no pending timer for instance %s", instanceID)
	}
	if rt == nil {
		return fmt.Errorf("saga: inline worker not bound to a runtime")
	}
	return rt.FireTimer(ctx, task.InstanceID, task.Step)
}
