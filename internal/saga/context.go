package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// suspendMarker unwinds a workflow execution when it reaches a step whose
// result is not yet in history. The runtime recovers it and treats the run as
// suspended rather than finished.
type suspendMarker struct{}

// ActivityError reports an activity whose retry policy was exhausted. The
// workflow decides whether it routes to compensation.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Activity, e.Message)
}

// Awaitable is a pending timer or external-event wait usable in Race.
type Awaitable interface {
	// ready reports the history sequence at which the awaitable resolved.
	ready() (int, bool)
	// Result decodes the resolution payload into out. Timers carry none.
	Result(out any) error
}

// Context is handed to workflow functions. All interaction with the outside
// world goes through it; the workflow body must be a pure function of its
// input and the recorded history, with no direct clock, randomness or I/O.
type Context struct {
	instanceID string
	logger     *slog.Logger

	// replaying is true while execution consumes history recorded by earlier
	// runs. It flips to false once the run reaches the event that triggered
	// this execution, or schedules a decision history has never seen.
	replaying bool
	freshSeq  int

	step      int
	scheduled map[int]HistoryEvent
	finished  map[int]HistoryEvent
	events    map[string][]HistoryEvent
	waits     map[string]int

	decisions    []Decision
	customStatus string
	statusSet    bool
}

func newContext(instanceID string, history []HistoryEvent, logger *slog.Logger, freshSeq int) *Context {
	c := &Context{
		instanceID: instanceID,
		logger:     logger,
		freshSeq:   freshSeq,
		scheduled:  make(map[int]HistoryEvent),
		finished:   make(map[int]HistoryEvent),
		events:     make(map[string][]HistoryEvent),
		waits:      make(map[string]int),
	}
	for _, ev := range history {
		switch ev.Kind {
		case EventActivityScheduled, EventTimerCreated:
			c.scheduled[ev.Step] = ev
		case EventActivityCompleted, EventActivityFailed, EventTimerFired:
			c.finished[ev.Step] = ev
		case EventExternalReceived:
			c.events[ev.Name] = append(c.events[ev.Name], ev)
		}
	}
	c.replaying = len(history) > 0
	return c
}

// observe marks progress through history. Consuming the event whose recording
// triggered this execution ends the replay phase.
func (c *Context) observe(seq int) {
	if c.freshSeq > 0 && seq >= c.freshSeq {
		c.replaying = false
	}
}

// InstanceID returns the id of the executing saga instance.
func (c *Context) InstanceID() string {
	return c.instanceID
}

// Logger returns a logger scoped to the instance. While the run is replaying
// recorded history the logger discards records, so a workflow body that is
// re-executed many times emits each line once.
func (c *Context) Logger() *slog.Logger {
	if c.replaying {
		return slog.New(slog.DiscardHandler)
	}
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger.With(slog.String("instance_id", c.instanceID))
}

// SetStatus records a human-readable progress note on the instance. It has no
// semantic effect and is safe to call at any point, including during replay.
func (c *Context) SetStatus(status string) {
	c.customStatus = status
	c.statusSet = true
}

func (c *Context) nextStep() int {
	c.step++
	return c.step
}

// ExecuteActivity schedules the named activity and suspends until its outcome
// is recorded. Under replay a recorded outcome returns immediately, so
// activities run at least once but are observed exactly once.
func (c *Context) ExecuteActivity(name string, in, out any, policy RetryPolicy) error {
	step := c.nextStep()
	if done, ok := c.finished[step]; ok {
		c.observe(done.Seq)
		switch done.Kind {
		case EventActivityCompleted:
			if out != nil && len(done.Payload) > 0 {
				if err := json.Unmarshal(done.Payload, out); err != nil {
					return fmt.Errorf("saga: decode %s result: %w", name, err)
				}
			}
			return nil
		case EventActivityFailed:
			var msg string
			if err := json.Unmarshal(done.Payload, &msg); err != nil {
				msg = string(done.Payload)
			}
			return &ActivityError{Activity: name, Message: msg}
		}
	}
	if _, pending := c.scheduled[step]; pending {
		panic(suspendMarker{})
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("saga: encode %s input: %w", name, err)
	}
	c.replaying = false
	c.decisions = append(c.decisions, Decision{
		Step:   step,
		Kind:   EventActivityScheduled,
		Name:   name,
		Input:  payload,
		Policy: policy,
	})
	panic(suspendMarker{})
}

// CreateTimer registers a durable timer and returns its awaitable without
// suspending. The timer fires through the substrate, never a local clock.
func (c *Context) CreateTimer(d time.Duration) Awaitable {
	step := c.nextStep()
	if _, pending := c.scheduled[step]; !pending {
		c.replaying = false
		c.decisions = append(c.decisions, Decision{Step: step, Kind: EventTimerCreated, Duration: d})
	}
	return &timerFuture{ctx: c, step: step}
}

// WaitForEvent registers interest in the named external event and returns its
// awaitable without suspending. Each wait consumes at most one delivery.
func (c *Context) WaitForEvent(name string) Awaitable {
	ordinal := c.waits[name]
	c.waits[name]++
	return &eventFuture{ctx: c, name: name, ordinal: ordinal}
}

// Race suspends until at least one of the awaitables has resolved and returns
// the one whose resolution was recorded earliest. The race has exactly one
// winner, decided by arrival order in history; late resolutions are ignored.
func (c *Context) Race(awaitables ...Awaitable) (Awaitable, error) {
	if len(awaitables) == 0 {
		return nil, errors.New("saga: race requires at least one awaitable")
	}
	var winner Awaitable
	best := 0
	for _, a := range awaitables {
		if seq, ok := a.ready(); ok && (winner == nil || seq < best) {
			winner = a
			best = seq
		}
	}
	if winner == nil {
		panic(suspendMarker{})
	}
	c.observe(best)
	return winner, nil
}

type timerFuture struct {
	ctx  *Context
	step int
}

func (f *timerFuture) ready() (int, bool) {
	if ev, ok := f.ctx.finished[f.step]; ok && ev.Kind == EventTimerFired {
		return ev.Seq, true
	}
	return 0, false
}

// Result is a no-op for timers; expiry carries no payload.
func (f *timerFuture) Result(out any) error {
	return nil
}

type eventFuture struct {
	ctx     *Context
	name    string
	ordinal int
}

func (f *eventFuture) ready() (int, bool) {
	deliveries := f.ctx.events[f.name]
	if f.ordinal < len(deliveries) {
		return deliveries[f.ordinal].Seq, true
	}
	return 0, false
}

func (f *eventFuture) Result(out any) error {
	deliveries := f.ctx.events[f.name]
	if f.ordinal >= len(deliveries) {
		return fmt.Errorf("saga: event %s not yet delivered", f.name)
	}
	ev := deliveries[f.ordinal]
	if out == nil || len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("saga: decode event %s: %w", f.name, err)
	}
	return nil
}
