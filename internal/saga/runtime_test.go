package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*Runtime, *InlineWorker) {
	t.Helper()
	worker := NewInlineWorker()
	rt := NewRuntime(NewMemoryStore(), worker, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	worker.Bind(rt)
	return rt, worker
}

func TestRuntimeRunsActivitiesInOrder(t *testing.T) {
	ctx := context.Background()
	rt, worker := newTestRuntime(t)

	rt.RegisterActivity("double", func(ctx context.Context, input []byte) ([]byte, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})
	rt.RegisterWorkflow("math", func(c *Context, input []byte) ([]byte, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		var doubled, quadrupled int
		if err := c.ExecuteActivity("double", n, &doubled, NoRetryPolicy()); err != nil {
			return nil, err
		}
		if err := c.ExecuteActivity("double", doubled, &quadrupled, NoRetryPolicy()); err != nil {
			return nil, err
		}
		return json.Marshal(quadrupled)
	})

	id, err := rt.Start(ctx, "math", 3)
	require.NoError(t, err)
	require.NoError(t, worker.Drain(ctx))

	inst, err := rt.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)

	var result int
	require.NoError(t, json.Unmarshal(inst.Result, &result))
	require.Equal(t, 12, result, "second step consumes the first step's output")
}

func TestRuntimeActivityRunsOncePerStep(t *testing.T) {
	ctx := context.Background()
	rt, worker := newTestRuntime(t)

	var calls atomic.Int32
	rt.RegisterActivity("count", func(ctx context.Context, input []byte) ([]byte, error) {
		calls.Add(1)
		return json.Marshal("ok")
	})
	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		var out string
		if err := c.ExecuteActivity("count", nil, &out, NoRetryPolicy()); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)
	require.NoError(t, worker.Drain(ctx))
	require.EqualValues(t, 1, calls.Load())

	// Replays after completion must not re-run the activity.
	require.NoError(t, rt.Advance(ctx, id))
	require.NoError(t, rt.Resume(ctx, id))
	require.NoError(t, worker.Drain(ctx))
	require.EqualValues(t, 1, calls.Load())
}

func TestRuntimeDuplicateCompletionIgnored(t *testing.T) {
	ctx := context.Background()
	rt, worker := newTestRuntime(t)

	rt.RegisterActivity("noop", func(ctx context.Context, input []byte) ([]byte, error) {
		return json.Marshal("done")
	})
	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		var out string
		if err := c.ExecuteActivity("noop", nil, &out, NoRetryPolicy()); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)
	require.NoError(t, worker.Drain(ctx))

	// A second delivery of the same step outcome is dropped.
	require.NoError(t, rt.CompleteActivity(ctx, id, 1, []byte(`"again"`)))

	inst, err := rt.Instance(ctx, id)
	require.NoError(t, err)
	var result string
	require.NoError(t, json.Unmarshal(inst.Result, &result))
	require.Equal(t, "done", result)
}

func TestRuntimeRejectsUnscheduledOutcome(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRuntime(t)

	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		return json.Marshal("instant")
	})
	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)

	// The instance is already terminal, so outcomes are silently dropped.
	require.NoError(t, rt.CompleteActivity(ctx, id, 7, nil))

	// On a running instance an unscheduled step is an error.
	rt.RegisterActivity("block", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, nil
	})
	rt.RegisterWorkflow("wf2", func(c *Context, input []byte) ([]byte, error) {
		if err := c.ExecuteActivity("block", nil, nil, NoRetryPolicy()); err != nil {
			return nil, err
		}
		return nil, nil
	})
	id2, err := rt.Start(ctx, "wf2", nil)
	require.NoError(t, err)
	require.Error(t, rt.CompleteActivity(ctx, id2, 99, nil))
}

func TestRuntimeFailedActivitySurfacesAsActivityError(t *testing.T) {
	ctx := context.Background()
	rt, worker := newTestRuntime(t)

	rt.RegisterActivity("flaky", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, errors.New("downstream unavailable")
	})
	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		err := c.ExecuteActivity("flaky", nil, nil, RetryPolicy{MaxAttempts: 2})
		var actErr *ActivityError
		if !errors.As(err, &actErr) {
			return nil, errors.New("expected activity error")
		}
		return json.Marshal(actErr.Activity)
	})

	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)
	require.NoError(t, worker.Drain(ctx))

	inst, err := rt.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status, "the workflow handled the failure")

	var failed string
	require.NoError(t, json.Unmarshal(inst.Result, &failed))
	require.Equal(t, "flaky", failed)
}

func TestRuntimeEventConsumedOncePerWait(t *testing.T) {
	ctx := context.Background()
	rt, worker := newTestRuntime(t)

	rt.RegisterWorkflow("collect", func(c *Context, input []byte) ([]byte, error) {
		first := c.WaitForEvent("signal")
		second := c.WaitForEvent("signal")
		if _, err := c.Race(first); err != nil {
			return nil, err
		}
		if _, err := c.Race(second); err != nil {
			return nil, err
		}
		var a, b string
		if err := first.Result(&a); err != nil {
			return nil, err
		}
		if err := second.Result(&b); err != nil {
			return nil, err
		}
		return json.Marshal([]string{a, b})
	})

	id, err := rt.Start(ctx, "collect", nil)
	require.NoError(t, err)

	require.NoError(t, rt.DeliverEvent(ctx, id, "signal", "one"))
	inst, err := rt.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceRunning, inst.Status, "second wait still pending")

	require.NoError(t, rt.DeliverEvent(ctx, id, "signal", "two"))
	require.NoError(t, worker.Drain(ctx))

	inst, err = rt.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)

	var got []string
	require.NoError(t, json.Unmarshal(inst.Result, &got))
	require.Equal(t, []string{"one", "two"}, got, "deliveries map to waits in order")
}

func TestRuntimeWaitForResultPolls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rt, worker := newTestRuntime(t)

	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		winner, err := c.Race(c.WaitForEvent("go"))
		if err != nil {
			return nil, err
		}
		var msg string
		if err := winner.Result(&msg); err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	})

	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = rt.DeliverEvent(context.Background(), id, "go", "now")
		_ = worker.Drain(context.Background())
	}()

	inst, err := rt.WaitForResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func (h *recordingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func TestRuntimeLoggerSilentDuringReplay(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{}
	worker := NewInlineWorker()
	rt := NewRuntime(NewMemoryStore(), worker, WithLogger(slog.New(handler)))
	worker.Bind(rt)

	rt.RegisterActivity("work", func(ctx context.Context, input []byte) ([]byte, error) {
		return json.Marshal("ok")
	})
	rt.RegisterWorkflow("wf", func(c *Context, input []byte) ([]byte, error) {
		var out string
		if err := c.ExecuteActivity("work", nil, &out, NoRetryPolicy()); err != nil {
			return nil, err
		}
		c.Logger().Info("work recorded")
		if _, err := c.Race(c.WaitForEvent("go")); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	id, err := rt.Start(ctx, "wf", nil)
	require.NoError(t, err)
	require.NoError(t, worker.Drain(ctx))
	require.Equal(t, 1, handler.count("work recorded"))

	// Pure replays re-execute the body but must not repeat its output.
	require.NoError(t, rt.Advance(ctx, id))
	require.NoError(t, rt.Resume(ctx, id))
	require.NoError(t, rt.DeliverEvent(ctx, id, "go", "now"))
	require.NoError(t, worker.Drain(ctx))

	require.Equal(t, 1, handler.count("work recorded"))

	inst, err := rt.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)
}

func TestRuntimeUnknownWorkflow(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := rt.Start(context.Background(), "nope", nil)
	require.Error(t, err)
}
