// Package saga provides a small durable-execution runtime: workflow functions
// are re-executed from the start on every advance and replay already-recorded
// step results from an append-only history, so a crash between steps never
// loses progress and never re-decides a decided step.
package saga

import (
	"encoding/json"
	"time"
)

// EventKind enumerates history event types.
type EventKind string

const (
	// EventActivityScheduled records that an activity was handed to the substrate.
	EventActivityScheduled EventKind = "activity_scheduled"
	// EventActivityCompleted records a confirmed activity result.
	EventActivityCompleted EventKind = "activity_completed"
	// EventActivityFailed records an activity whose retry policy is exhausted.
	EventActivityFailed EventKind = "activity_failed"
	// EventTimerCreated records a durable timer registration.
	EventTimerCreated EventKind = "timer_created"
	// EventTimerFired records a timer expiry.
	EventTimerFired EventKind = "timer_fired"
	// EventExternalReceived records an external event delivered to the instance.
	EventExternalReceived EventKind = "event_received"
)

// HistoryEvent is one entry in an instance's append-only log. Seq is assigned
// by the store and totally orders the log; Step binds results back to the
// deterministic step counter of the workflow body. External events carry a
// Name instead of a Step because the sender does not know step numbers.
type HistoryEvent struct {
	Seq        int       `json:"seq"`
	Kind       EventKind `json:"kind"`
	Step       int       `json:"step,omitempty"`
	Name       string    `json:"name,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// scheduledActivity is the payload stored with EventActivityScheduled so a
// recovery sweep can re-dispatch pending work with its original policy.
type scheduledActivity struct {
	Input  json.RawMessage `json:"input"`
	Policy RetryPolicy     `json:"policy"`
}

// createdTimer is the payload stored with EventTimerCreated.
type createdTimer struct {
	Duration time.Duration `json:"duration"`
}

// Decision is a command produced by one workflow execution that the runtime
// persists to history and hands to the Driver exactly once.
type Decision struct {
	Step     int
	Kind     EventKind
	Name     string
	Input    []byte
	Policy   RetryPolicy
	Duration time.Duration
}

func (d Decision) historyEvent(now time.Time) (HistoryEvent, error) {
	ev := HistoryEvent{Kind: d.Kind, Step: d.Step, Name: d.Name, OccurredAt: now}
	switch d.Kind {
	case EventActivityScheduled:
		payload, err := json.Marshal(scheduledActivity{Input: d.Input, Policy: d.Policy})
		if err != nil {
			return HistoryEvent{}, err
		}
		ev.Payload = payload
	case EventTimerCreated:
		payload, err := json.Marshal(createdTimer{Duration: d.Duration})
		if err != nil {
			return HistoryEvent{}, err
		}
		ev.Payload = payload
	}
	return ev, nil
}
