package stream

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/veskel/taskpulse/internal/api"
)

// Controller owns the session registry: at most one live session per
// task id, and at most one primary stream overall. Starting a new watch
// supersedes the previous one; historical views poll instead of
// streaming.
type Controller struct {
	tr   Transport
	sink Sink
	cfg  Config
	log  *log.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	primary  string
	closed   bool
}

// NewController wires the engine to a transport and a render sink.
func NewController(tr Transport, sink Sink, cfg Config, logger *log.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		tr:       tr,
		sink:     sink,
		cfg:      cfg,
		log:      logger,
		ctx:      ctx,
		stop:     cancel,
		sessions: make(map[string]*session),
	}
}

// Start begins (or restarts) streaming a task and returns immediately.
// All progress, connection failures included, arrives through the sink.
// Any prior session for the same task, and the previous primary session,
// are fully stopped before the new one emits anything.
func (c *Controller) Start(taskID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var retired []*session
	if old := c.sessions[taskID]; old != nil {
		retired = append(retired, old)
	}
	if c.primary != "" && c.primary != taskID {
		if old := c.sessions[c.primary]; old != nil {
			retired = append(retired, old)
			delete(c.sessions, c.primary)
		}
	}
	s := newSession(taskID, c.tr, c.sink, c.cfg, c.log, c.ctx)
	c.sessions[taskID] = s
	c.primary = taskID
	c.mu.Unlock()

	go func() {
		for _, old := range retired {
			old.stop(false)
			<-old.done
		}
		s.run()
	}()
}

// Cancel requests remote cancellation and tears down the local session
// regardless of the remote outcome. After a session has already reached
// a terminal state this is a no-op: nothing re-renders, nothing is sent.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()

	if s != nil && s.isTerminal() {
		return nil
	}
	err := c.tr.Cancel(ctx, taskID)
	if s != nil {
		s.stop(true)
		<-s.done
	}
	return err
}

// Stop tears down the task's local session without touching the remote
// task. The task keeps running server-side and can be watched again
// later with Start. Unknown task ids are a no-op.
func (c *Controller) Stop(taskID string) {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s != nil {
		s.stop(false)
	}
}

// Respond delivers an answer to an outstanding ask_human question. On
// success the surface gets a resolution update; on failure the error
// goes back to the caller and the prompt stays actionable. There is no
// automatic retry.
func (c *Controller) Respond(ctx context.Context, taskID, requestID, answer string) error {
	if err := c.tr.Respond(ctx, taskID, requestID, answer); err != nil {
		return err
	}
	c.sink.HandleUpdate(c.ctx, PromptResolvedUpdate{
		update:    update{taskID},
		RequestID: requestID,
		Answer:    answer,
		Skipped:   answer == api.SkipAnswer,
	})
	return nil
}

// Skip answers an outstanding question with the skip sentinel.
func (c *Controller) Skip(ctx context.Context, taskID, requestID string) error {
	return c.Respond(ctx, taskID, requestID, api.SkipAnswer)
}

// Active reports whether a session for the task is still running.
func (c *Controller) Active(taskID string) bool {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close stops every session and waits for them to finish. The controller
// cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	for _, s := range all {
		s.stop(false)
	}
	for _, s := range all {
		<-s.done
	}
	c.stop()
}
