package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
)

// Transport is the slice of the API client the engine needs.
type Transport interface {
	OpenEvents(ctx context.Context, id string) (*client.EventStream, error)
	GetTask(ctx context.Context, id string) (*api.Task, error)
	Respond(ctx context.Context, id, requestID, response string) error
	Cancel(ctx context.Context, id string) error
}

// Config tunes session timing. Use DefaultConfig as the baseline; tests
// shrink the durations.
type Config struct {
	// MaxRetries bounds reconnect attempts per session. The budget is
	// only spent on tasks a post-drop poll shows as still unfinished.
	MaxRetries int
	// RetryDelay is the fixed wait between reconnect attempts. The
	// delay does not grow: the server being briefly away is the common
	// case, and the budget is small.
	RetryDelay time.Duration
	// Heartbeat is the quiet interval after which the watchdog emits a
	// cosmetic liveness tick.
	Heartbeat time.Duration
}

// DefaultConfig returns the standard engine timing.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		Heartbeat:  5 * time.Second,
	}
}

// session owns one task's stream lifecycle. Everything below the context
// fields is touched only by the run goroutine.
type session struct {
	task string
	tr   Transport
	sink Sink
	cfg  Config
	log  *log.Logger

	// ctx governs the session's own work; sinkCtx outlives it so final
	// updates (a locally initiated cancel, for instance) still reach
	// the surface after ctx is cut.
	ctx      context.Context
	cancel   context.CancelFunc
	sinkCtx  context.Context
	done     chan struct{}
	userStop atomic.Bool
	terminal atomic.Bool

	retries int

	pollCh      chan pollResult
	pollPending bool
	pollDirty   bool
}

type pollResult struct {
	task *api.Task
	err  error
}

func newSession(taskID string, tr Transport, sink Sink, cfg Config, logger *log.Logger, sinkCtx context.Context) *session {
	ctx, cancel := context.WithCancel(sinkCtx)
	return &session{
		task:    taskID,
		tr:      tr,
		sink:    sink,
		cfg:     cfg,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		sinkCtx: sinkCtx,
		done:    make(chan struct{}),
		pollCh:  make(chan pollResult, 1),
	}
}

// stop tears the session down. user marks the stop as an explicit
// cancellation, which renders a cancelled terminal; supersede and
// shutdown stops stay silent.
func (s *session) stop(user bool) {
	if user {
		s.userStop.Store(true)
	}
	s.cancel()
}

func (s *session) isTerminal() bool {
	return s.terminal.Load()
}

func (s *session) emit(u Update) {
	s.sink.HandleUpdate(s.sinkCtx, u)
}

// run drives the connect/consume/reconnect cycle until the task ends,
// the retry budget runs out, or the session is stopped.
func (s *session) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		if s.ctx.Err() != nil {
			s.finishLocal()
			return
		}
		s.emit(ConnectionUpdate{update: update{s.task}, State: StateConnecting, Attempt: s.retries})

		stream, err := s.tr.OpenEvents(s.ctx, s.task)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finishLocal()
				return
			}
			s.log.Debug("open failed", "task", s.task, "error", err)
			if !s.handleDrop(err) {
				return
			}
			continue
		}
		if !s.consume(stream) {
			return
		}
	}
}

// consume drains one open channel. It reports whether the session should
// reconnect afterwards.
func (s *session) consume(stream *client.EventStream) bool {
	defer stream.Close()

	s.emit(ConnectionUpdate{update: update{s.task}, State: StateOpen, Attempt: s.retries})
	s.requestPoll()

	watchdog := time.NewTimer(s.cfg.Heartbeat)
	defer watchdog.Stop()
	quietSince := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			s.finishLocal()
			return false

		case res := <-s.pollCh:
			s.applyPoll(res)

		case <-watchdog.C:
			s.emit(HeartbeatUpdate{update: update{s.task}, Quiet: time.Since(quietSince)})
			watchdog.Reset(s.cfg.Heartbeat)

		case frame, ok := <-stream.Frames():
			if !ok {
				if s.ctx.Err() != nil {
					s.finishLocal()
					return false
				}
				return s.handleDrop(stream.Err())
			}
			quietSince = time.Now()
			resetTimer(watchdog, s.cfg.Heartbeat)
			if s.handleFrame(frame) {
				return false
			}
		}
	}
}

// handleFrame applies one frame and reports whether it ended the task.
func (s *session) handleFrame(frame client.Frame) bool {
	c, err := Classify(frame)
	if err != nil {
		s.log.Warn("unusable frame", "task", s.task, "event", frame.Event, "error", err)
		s.emit(StepUpdate{
			update: update{s.task},
			Step:   api.Step{Type: api.StepError, Payload: api.Text(err.Error())},
		})
		return false
	}
	if c.Skip {
		return false
	}
	if c.Terminal {
		s.finishTerminal(c.Status, c.Message)
		return true
	}

	s.emit(StepUpdate{update: update{s.task}, Step: c.Step, Hint: c.Hint})
	if ask, ok := c.Step.Ask(); ok {
		s.emit(PromptUpdate{update: update{s.task}, Ask: ask})
	}
	s.requestPoll()
	return false
}

// finishTerminal runs the end-of-task sequence: one final snapshot poll,
// then the single terminal update. Terminal is sticky; the session never
// reopens the channel afterwards.
func (s *session) finishTerminal(status api.TaskStatus, message string) {
	s.terminal.Store(true)
	if task, err := s.tr.GetTask(s.ctx, s.task); err == nil {
		s.emit(StatusUpdate{update: update{s.task}, Task: *task})
	} else {
		s.log.Debug("final poll failed", "task", s.task, "error", err)
	}
	s.emit(TerminalUpdate{update: update{s.task}, Status: status, Message: message})
}

// finishLocal ends a session whose context was cut. An explicit user
// cancel renders a cancelled terminal; superseded and shut-down sessions
// leave the surface to their successor.
func (s *session) finishLocal() {
	if s.terminal.Load() || !s.userStop.Load() {
		return
	}
	s.terminal.Store(true)
	s.emit(TerminalUpdate{update: update{s.task}, Status: api.StatusCancelled})
}

// handleDrop applies the reconnection policy after the channel failed or
// ended without a terminal frame. It polls once before touching the retry
// budget: a lost terminal frame must surface as a normal conclusion, not
// spend a reconnect. The return value says whether to open a new channel.
func (s *session) handleDrop(cause error) bool {
	polled, pollErr := s.tr.GetTask(s.ctx, s.task)
	if pollErr != nil {
		s.log.Debug("post-drop poll failed", "task", s.task, "error", pollErr)
	} else if polled != nil {
		s.emit(StatusUpdate{update: update{s.task}, Task: *polled})
	}

	switch decideReconnect(polled, s.retries, s.cfg.MaxRetries) {
	case actionTerminal:
		s.terminal.Store(true)
		s.emit(TerminalUpdate{update: update{s.task}, Status: polled.Status, Message: polled.Error})
		return false

	case actionRetry:
		s.retries++
		s.emit(ConnectionUpdate{update: update{s.task}, State: StateRetrying, Attempt: s.retries, Err: cause})
		select {
		case <-time.After(s.cfg.RetryDelay):
			return true
		case <-s.ctx.Done():
			s.finishLocal()
			return false
		}

	default:
		s.emit(ConnectionUpdate{update: update{s.task}, State: StateGivenUp, Attempt: s.retries, Err: cause})
		return false
	}
}

type reconnectAction int

const (
	actionRetry reconnectAction = iota
	actionTerminal
	actionGiveUp
)

// decideReconnect picks the path after a transport drop. A poll that
// reveals a terminal status wins outright and consumes no retry; the
// budget is spent only on tasks that are genuinely still running.
func decideReconnect(polled *api.Task, retries, maxRetries int) reconnectAction {
	if polled != nil && polled.Status.Terminal() {
		return actionTerminal
	}
	if retries < maxRetries {
		return actionRetry
	}
	return actionGiveUp
}

// requestPoll schedules a snapshot fetch. At most one poll is in flight;
// extra requests collapse into a dirty flag and re-poll on completion, so
// the rendered status never lags by more than one round trip.
func (s *session) requestPoll() {
	if s.pollPending {
		s.pollDirty = true
		return
	}
	s.pollPending = true
	go func() {
		task, err := s.tr.GetTask(s.ctx, s.task)
		select {
		case s.pollCh <- pollResult{task: task, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *session) applyPoll(res pollResult) {
	s.pollPending = false
	if res.err != nil {
		// Poll failures are logged and otherwise ignored; the stream
		// carries on and the next trigger tries again.
		s.log.Warn("status poll failed", "task", s.task, "error", res.err)
	} else if res.task != nil {
		s.emit(StatusUpdate{update: update{s.task}, Task: *res.task})
	}
	if s.pollDirty {
		s.pollDirty = false
		s.requestPoll()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
