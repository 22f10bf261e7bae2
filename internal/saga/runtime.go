package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkflowFunc is the orchestrator body for one workflow type. It must be
// deterministic: identical input and history always produce identical
// decisions and an identical result.
type WorkflowFunc func(ctx *Context, input []byte) ([]byte, error)

// ActivityFunc performs one unit of side-effecting work. Activities execute
// outside the workflow's logical thread, may run at least once, and must be
// idempotent.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// Driver dispatches persisted decisions to the execution substrate.
type Driver interface {
	DispatchActivity(ctx context.Context, task ActivityTask) error
	DispatchTimer(ctx context.Context, task TimerTask) error
}

// ActivityTask is the unit handed to the substrate for one activity attempt.
type ActivityTask struct {
	InstanceID string          `json:"instance_id"`
	Step       int             `json:"step"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Policy     RetryPolicy     `json:"policy"`
}

// TimerTask is a durable timer registration.
type TimerTask struct {
	InstanceID string        `json:"instance_id"`
	Step       int           `json:"step"`
	Duration   time.Duration `json:"duration"`
}

// Notifier is told when an instance reaches a terminal status.
type Notifier interface {
	Publish(ctx context.Context, instanceID string)
}

// Subscriber is an optional Notifier extension allowing blocking waits.
type Subscriber interface {
	Subscribe(ctx context.Context, instanceID string) (<-chan struct{}, func())
}

// Observer receives runtime lifecycle callbacks, typically for metrics.
type Observer interface {
	InstanceFinished(workflow, status string)
	ActivityFailed(activity string)
}

// Runtime drives workflow instances: it persists progress at every suspension
// point, replays history on every advance, and hands new decisions to the
// Driver exactly once.
type Runtime struct {
	store    Store
	driver   Driver
	notifier Notifier
	observer Observer
	logger   *slog.Logger

	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithNotifier installs a terminal-status notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Runtime) { r.notifier = n }
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithLogger installs the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime constructs a Runtime over the given store and driver.
func NewRuntime(store Store, driver Driver, opts ...Option) *Runtime {
	r := &Runtime{
		store:      store,
		driver:     driver,
		logger:     slog.Default(),
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterWorkflow registers a workflow function under its name.
func (r *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// RegisterActivity registers an activity function under its name.
func (r *Runtime) RegisterActivity(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[name] = fn
}

func (r *Runtime) workflow(name string) WorkflowFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[name]
}

func (r *Runtime) activity(name string) ActivityFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activities[name]
}

// Start creates a new instance with a generated id and advances it once.
func (r *Runtime) Start(ctx context.Context, workflow string, input any) (string, error) {
	return r.StartWithID(ctx, uuid.NewString(), workflow, input)
}

// StartWithID creates a new instance under a caller-chosen id, which lets
// callers bind instance ids to idempotency keys before any state exists.
func (r *Runtime) StartWithID(ctx context.Context, id, workflow string, input any) (string, error) {
	if r.workflow(workflow) == nil {
		return "", fmt.Errorf("saga: workflow %q not registered", workflow)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("saga: encode input: %w", err)
	}
	now := time.Now().UTC()
	inst := Instance{
		ID:        id,
		Workflow:  workflow,
		Input:     payload,
		Status:    InstanceRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	if err := r.Advance(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Advance re-executes the instance's workflow against its recorded history,
// persists any new decisions and dispatches them. It is safe to call
// concurrently and repeatedly; the store lock serialises executions.
func (r *Runtime) Advance(ctx context.Context, id string) error {
	return r.advance(ctx, id, 0)
}

// advance runs one execution cycle. freshSeq is the sequence of the history
// event whose arrival triggered this cycle, or zero for a pure replay; the
// context uses it to tell replayed progress from live progress.
func (r *Runtime) advance(ctx context.Context, id string, freshSeq int) error {
	unlock, err := r.store.Lock(ctx, id)
	if err != nil {
		return err
	}

	var (
		decisions []Decision
		finished  *Instance
	)
	err = func() error {
		defer unlock()

		inst, err := r.store.Instance(ctx, id)
		if err != nil {
			return err
		}
		if inst.Terminal() {
			return nil
		}
		fn := r.workflow(inst.Workflow)
		if fn == nil {
			return fmt.Errorf("saga: workflow %q not registered", inst.Workflow)
		}
		history, err := r.store.History(ctx, id)
		if err != nil {
			return err
		}

		c := newContext(id, history, r.logger, freshSeq)
		result, wfErr, suspended := runWorkflow(fn, c, inst.Input)

		if len(c.decisions) > 0 {
			events := make([]HistoryEvent, 0, len(c.decisions))
			now := time.Now().UTC()
			for _, d := range c.decisions {
				ev, err := d.historyEvent(now)
				if err != nil {
					return fmt.Errorf("saga: encode decision: %w", err)
				}
				events = append(events, ev)
			}
			if _, err := r.store.AppendEvents(ctx, id, events); err != nil {
				return err
			}
			decisions = c.decisions
		}

		if c.statusSet {
			inst.CustomStatus = c.customStatus
		}
		inst.UpdatedAt = time.Now().UTC()
		if suspended {
			return r.store.UpdateInstance(ctx, inst)
		}
		if wfErr != nil {
			inst.Status = InstanceFailed
			inst.Error = wfErr.Error()
			// A failing workflow may still return a payload describing the
			// failure, e.g. what was rolled back.
			inst.Result = result
		} else {
			inst.Status = InstanceCompleted
			inst.Result = result
		}
		if err := r.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		finished = &inst
		return nil
	}()
	if err != nil {
		return err
	}

	// Dispatch outside the lock; a re-dispatched decision is deduplicated by
	// the scheduled record already in history.
	for _, d := range decisions {
		if err := r.dispatch(ctx, id, d); err != nil {
			return err
		}
	}
	if finished != nil {
		r.logger.Info("saga instance finished",
			slog.String("instance_id", id),
			slog.String("workflow", finished.Workflow),
			slog.String("status", string(finished.Status)))
		if r.observer != nil {
			r.observer.InstanceFinished(finished.Workflow, string(finished.Status))
		}
		if r.notifier != nil {
			r.notifier.Publish(ctx, id)
		}
	}
	return nil
}

func (r *Runtime) dispatch(ctx context.Context, id string, d Decision) error {
	switch d.Kind {
	case EventActivityScheduled:
		return r.driver.DispatchActivity(ctx, ActivityTask{
			InstanceID: id,
			Step:       d.Step,
			Name:       d.Name,
			Input:      d.Input,
			Policy:     d.Policy,
		})
	case EventTimerCreated:
		return r.driver.DispatchTimer(ctx, TimerTask{
			InstanceID: id,
			Step:       d.Step,
			Duration:   d.Duration,
		})
	default:
		return fmt.Errorf("saga: unknown decision kind %q", d.Kind)
	}
}

func runWorkflow(fn WorkflowFunc, c *Context, input []byte) (result []byte, err error, suspended bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(suspendMarker); ok {
				suspended = true
				return
			}
			panic(rec)
		}
	}()
	result, err = fn(c, input)
	return
}

// CompleteActivity records a confirmed activity result and advances. Repeat
// completions for the same step are ignored, which makes at-least-once
// delivery from the substrate safe.
func (r *Runtime) CompleteActivity(ctx context.Context, id string, step int, result []byte) error {
	seq, err := r.recordOutcome(ctx, id, step, EventActivityCompleted, result)
	if err != nil || seq == 0 {
		return err
	}
	return r.advance(ctx, id, seq)
}

// FailActivity records a terminal activity failure (retry policy exhausted)
// and advances so the workflow can route it to compensation.
func (r *Runtime) FailActivity(ctx context.Context, id string, step int, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	// Encoded as JSON so the history store can treat every payload uniformly.
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	seq, err := r.recordOutcome(ctx, id, step, EventActivityFailed, payload)
	if err != nil || seq == 0 {
		return err
	}
	if r.observer != nil {
		if name, ok := r.scheduledName(ctx, id, step); ok {
			r.observer.ActivityFailed(name)
		}
	}
	return r.advance(ctx, id, seq)
}

// FireTimer records a timer expiry and advances. Firing a timer on a terminal
// instance, or one whose step already resolved, is a no-op.
func (r *Runtime) FireTimer(ctx context.Context, id string, step int) error {
	seq, err := r.recordOutcome(ctx, id, step, EventTimerFired, nil)
	if err != nil || seq == 0 {
		return err
	}
	return r.advance(ctx, id, seq)
}

func (r *Runtime) scheduledName(ctx context.Context, id string, step int) (string, bool) {
	history, err := r.store.History(ctx, id)
	if err != nil {
		return "", false
	}
	for _, ev := range history {
		if ev.Kind == EventActivityScheduled && ev.Step == step {
			return ev.Name, true
		}
	}
	return "", false
}

// recordOutcome appends a step resolution if the step is still pending and
// returns the appended event's sequence, zero when the outcome was dropped.
func (r *Runtime) recordOutcome(ctx context.Context, id string, step int, kind EventKind, payload []byte) (int, error) {
	unlock, err := r.store.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	inst, err := r.store.Instance(ctx, id)
	if err != nil {
		return 0, err
	}
	if inst.Terminal() {
		return 0, nil
	}
	history, err := r.store.History(ctx, id)
	if err != nil {
		return 0, err
	}
	scheduled := false
	for _, ev := range history {
		if ev.Step != step {
			continue
		}
		switch ev.Kind {
		case EventActivityScheduled, EventTimerCreated:
			scheduled = true
		case EventActivityCompleted, EventActivityFailed, EventTimerFired:
			// Already resolved; duplicate delivery from the substrate.
			return 0, nil
		}
	}
	if !scheduled {
		return 0, fmt.Errorf("saga: step %d of instance %s was never scheduled", step, id)
	}
	appended, err := r.store.AppendEvents(ctx, id, []HistoryEvent{{
		Kind:       kind,
		Step:       step,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}})
	if err != nil {
		return 0, err
	}
	return appended[0].Seq, nil
}

// DeliverEvent appends an external event to a running instance and advances.
// Delivery to a terminal instance returns ErrInstanceCompleted: the event is
// lost, not queued, matching the at-most-once consumption contract.
func (r *Runtime) DeliverEvent(ctx context.Context, id, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("saga: encode event payload: %w", err)
	}
	unlock, err := r.store.Lock(ctx, id)
	if err != nil {
		return err
	}
	var seq int
	err = func() error {
		defer unlock()
		inst, err := r.store.Instance(ctx, id)
		if err != nil {
			return err
		}
		if inst.Terminal() {
			return ErrInstanceCompleted
		}
		appended, err := r.store.AppendEvents(ctx, id, []HistoryEvent{{
			Kind:       EventExternalReceived,
			Name:       name,
			Payload:    data,
			OccurredAt: time.Now().UTC(),
		}})
		if err != nil {
			return err
		}
		seq = appended[0].Seq
		return nil
	}()
	if err != nil {
		return err
	}
	return r.advance(ctx, id, seq)
}

// Instance returns the persisted envelope for the given id.
func (r *Runtime) Instance(ctx context.Context, id string) (Instance, error) {
	return r.store.Instance(ctx, id)
}

// History returns the recorded log for the given id.
func (r *Runtime) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	return r.store.History(ctx, id)
}

// WaitForResult blocks until the instance terminates or ctx expires. It
// prefers push notification when the notifier supports subscriptions and
// falls back to polling.
func (r *Runtime) WaitForResult(ctx context.Context, id string) (Instance, error) {
	var notify <-chan struct{}
	if sub, ok := r.notifier.(Subscriber); ok {
		ch, stop := sub.Subscribe(ctx, id)
		defer stop()
		notify = ch
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		inst, err := r.store.Instance(ctx, id)
		if err != nil {
			return Instance{}, err
		}
		if inst.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-notify:
		case <-ticker.C:
		}
	}
}

// Resume re-dispatches pending work for one instance and advances it. Used
// after a crash: scheduled activities and timers whose dispatch may have been
// lost are handed to the driver again; idempotent activities and the
// resolved-step check make the duplicate harmless.
func (r *Runtime) Resume(ctx context.Context, id string) error {
	inst, err := r.store.Instance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}
	history, err := r.store.History(ctx, id)
	if err != nil {
		return err
	}
	resolved := make(map[int]bool)
	for _, ev := range history {
		switch ev.Kind {
		case EventActivityCompleted, EventActivityFailed, EventTimerFired:
			resolved[ev.Step] = true
		}
	}
	for _, ev := range history {
		if resolved[ev.Step] {
			continue
		}
		switch ev.Kind {
		case EventActivityScheduled:
			var sched scheduledActivity
			if err := json.Unmarshal(ev.Payload, &sched); err != nil {
				return fmt.Errorf("saga: decode scheduled activity: %w", err)
			}
			task := ActivityTask{InstanceID: id, Step: ev.Step, Name: ev.Name, Input: sched.Input, Policy: sched.Policy}
			if err := r.driver.DispatchActivity(ctx, task); err != nil {
				return err
			}
		case EventTimerCreated:
			var timer createdTimer
			if err := json.Unmarshal(ev.Payload, &timer); err != nil {
				return fmt.Errorf("saga: decode timer: %w", err)
			}
			if err := r.driver.DispatchTimer(ctx, TimerTask{InstanceID: id, Step: ev.Step, Duration: timer.Duration}); err != nil {
				return err
			}
		}
	}
	return r.Advance(ctx, id)
}

// ResumeAll resumes every non-terminal instance known to the store.
func (r *Runtime) ResumeAll(ctx context.Context) error {
	ids, err := r.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Resume(ctx, id); err != nil {
			r.logger.Error("resume saga instance", slog.String("instance_id", id), slog.Any("error", err))
		}
	}
	return nil
}
