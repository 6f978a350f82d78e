// Package stream implements the task event streaming engine: frame
// classification, the heartbeat watchdog, status reconciliation, the
// reconnection policy, and the per-task session lifecycle.
package stream

import (
	"context"
	"time"

	"github.com/veskel/taskpulse/internal/api"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateRetrying
	StateTerminal
	StateGivenUp
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateTerminal:
		return "terminal"
	case StateGivenUp:
		return "given-up"
	}
	return "unknown"
}

// Update is a render-surface message from the engine. Step, status,
// connection, and terminal updates for one task arrive in order from that
// task's session goroutine; prompt resolution updates arrive from
// whichever goroutine called Respond.
type Update interface {
	TaskID() string
}

type update struct {
	ID string
}

func (u update) TaskID() string { return u.ID }

// StepUpdate appends one step to the task narrative.
type StepUpdate struct {
	update
	Step api.Step
	Hint RenderHint
}

// StatusUpdate applies a fresh task snapshot from the reconciler.
// Snapshots overwrite whatever came before; the last poll wins.
type StatusUpdate struct {
	update
	Task api.Task
}

// TerminalUpdate fires exactly once per session when the task reaches a
// final status. Message carries the terminal frame's detail (an error
// message or final result) when the frame had one.
type TerminalUpdate struct {
	update
	Status  api.TaskStatus
	Message string
}

// PromptUpdate surfaces an ask_human question. A newer prompt for the
// same task replaces the old one; there is never more than one
// outstanding question per task.
type PromptUpdate struct {
	update
	Ask api.AskHumanPayload
}

// PromptResolvedUpdate reports a successfully delivered answer so the
// pending question step can be resolved in place.
type PromptResolvedUpdate struct {
	update
	RequestID string
	Answer    string
	Skipped   bool
}

// HeartbeatUpdate is the cosmetic liveness tick: the channel is open but
// has produced nothing for Quiet. It never affects engine state.
type HeartbeatUpdate struct {
	update
	Quiet time.Duration
}

// ConnectionUpdate reports connection lifecycle changes. Attempt counts
// reconnects for StateRetrying and StateGivenUp; Err carries the
// transport error that caused the transition, when there was one.
type ConnectionUpdate struct {
	update
	State   SessionState
	Attempt int
	Err     error
}

// Sink receives engine updates. Implementations must return promptly;
// long work belongs on the consumer's side of a channel.
type Sink interface {
	HandleUpdate(ctx context.Context, u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update)

func (f SinkFunc) HandleUpdate(ctx context.Context, u Update) { f(ctx, u) }

// ChanSink forwards updates into ch, giving up when ctx ends so an
// absent consumer cannot wedge the engine.
func ChanSink(ch chan<- Update) Sink {
	return SinkFunc(func(ctx context.Context, u Update) {
		select {
		case ch <- u:
		case <-ctx.Done():
		}
	})
}
