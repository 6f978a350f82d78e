// Package replay implements a scripted playback server for demos and
// end-to-end tests. It speaks the same HTTP and SSE contract as the real
// agent backend but executes nothing: YAML playbooks drive the frames.
package replay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/store"
)

const answerTimedOut = "Timeout: No response received."

// Runner walks playbooks. Each submitted task gets its own walker
// goroutine that feeds the store and the frame hub in lockstep, so the
// event stream and the polled snapshots never disagree.
type Runner struct {
	store *store.Store
	hub   *hub
	books []Playbook
	log   *log.Logger

	mu      sync.Mutex
	walks   map[string]context.CancelFunc
	pending map[string]pendingAsk

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// askTimeout bounds how long a walker parks on ask_human before it
	// gives itself the timeout answer and moves on.
	askTimeout time.Duration
}

type pendingAsk struct {
	taskID string
	answer chan string
}

// NewRunner creates a runner over the given playbooks. With no playbooks
// the built-in demo is used.
func NewRunner(st *store.Store, books []Playbook, logger *log.Logger) *Runner {
	if len(books) == 0 {
		books = []Playbook{Default()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      st,
		hub:        newHub(),
		books:      books,
		log:        logger,
		walks:      make(map[string]context.CancelFunc),
		pending:    make(map[string]pendingAsk),
		ctx:        ctx,
		cancel:     cancel,
		askTimeout: 5 * time.Minute,
	}
}

// Stop cancels every walker and waits for them to finish.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Active returns the number of tasks currently replaying.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.walks)
}

// Subscribe attaches to a task's frame feed: the history so far plus a
// live channel that closes when the task ends.
func (r *Runner) Subscribe(taskID string) ([]Frame, <-chan Frame, func()) {
	return r.hub.Subscribe(taskID)
}

// StartTask creates a task and begins replaying the playbook selected by
// the prompt.
func (r *Runner) StartTask(prompt string) (*api.Task, error) {
	book := Select(r.books, prompt)

	task, err := r.store.CreateTask(prompt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.walks[task.ID] = cancel
	r.mu.Unlock()

	r.log.Info("replaying task", "task", task.ID, "playbook", book.Name)

	r.wg.Add(1)
	go r.walk(ctx, task.ID, book)
	return task, nil
}

// Cancel stops a replaying task. The walker writes the cancelled status
// and emits the cancelled frame on its way out.
func (r *Runner) Cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.walks[taskID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// Respond delivers an answer to a parked question. Unknown or stale
// request ids, and ids that belong to another task, are rejected.
func (r *Runner) Respond(taskID, requestID, answer string) error {
	r.mu.Lock()
	ask, ok := r.pending[requestID]
	if ok && ask.taskID == taskID {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()

	if !ok || ask.taskID != taskID {
		return ErrNoPendingRequest
	}
	ask.answer <- answer
	return nil
}

func (r *Runner) removePending(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// walk plays the book one step at a time until it ends, fails, or the
// task is cancelled.
func (r *Runner) walk(ctx context.Context, taskID string, book Playbook) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.walks, taskID)
		r.mu.Unlock()
	}()

	for _, step := range book.Steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay.Std()):
			case <-ctx.Done():
				r.finishCancelled(taskID)
				return
			}
		}

		switch step.Event {
		case "error":
			r.finishFailed(taskID, step.Text)
			return

		case "ask_human":
			if !r.askHuman(ctx, taskID, step.Question) {
				r.finishCancelled(taskID)
				return
			}

		default:
			if err := r.emitStep(taskID, api.Step{
				Type:    api.StepType(step.Event),
				Payload: api.Text(step.Text),
			}); err != nil {
				r.log.Error("emit step", "task", taskID, "error", err)
				return
			}
		}
	}

	if book.Fail != "" {
		r.finishFailed(taskID, book.Fail)
		return
	}
	result := book.Result
	if result == "" {
		result = "Task completed."
	}
	if err := r.store.SetResult(taskID, result); err != nil {
		r.log.Error("record result", "task", taskID, "error", err)
	}
	r.publishStatus(taskID)
	r.hub.Publish(taskID, Frame{Event: "complete", Data: `{"type":"complete"}`})
	r.hub.Close(taskID)
}

// askHuman emits the question frame and parks until an answer arrives,
// the ask times out, or the task is cancelled. It reports false only for
// cancellation.
func (r *Runner) askHuman(ctx context.Context, taskID, question string) bool {
	requestID := uuid.New().String()

	// Register before the frame goes out: an answer can arrive the
	// moment a client sees the question.
	ch := make(chan string, 1)
	r.mu.Lock()
	r.pending[requestID] = pendingAsk{taskID: taskID, answer: ch}
	r.mu.Unlock()

	err := r.emitStep(taskID, api.Step{
		Type:    api.StepAskHuman,
		Payload: api.AskHumanPayload{Question: question, RequestID: requestID},
	})
	if err != nil {
		r.log.Error("emit question", "task", taskID, "error", err)
		r.removePending(requestID)
		return true
	}

	select {
	case answer := <-ch:
		r.log.Info("question answered", "task", taskID, "request", requestID, "answer", answer)
		return true
	case <-time.After(r.askTimeout):
		r.removePending(requestID)
		r.log.Info("question timed out", "task", taskID, "request", requestID)
		if err := r.emitStep(taskID, api.Step{Type: api.StepLog, Payload: api.Text(answerTimedOut)}); err != nil {
			r.log.Error("emit timeout", "task", taskID, "error", err)
		}
		return true
	case <-ctx.Done():
		r.removePending(requestID)
		return false
	}
}

// emitStep persists a step, then broadcasts its frame followed by a
// status snapshot, the same interleaving the real backend produces.
func (r *Runner) emitStep(taskID string, step api.Step) error {
	seq, err := r.store.AppendStep(taskID, step)
	if err != nil {
		return err
	}
	step.Seq = seq

	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	r.hub.Publish(taskID, Frame{Event: string(step.Type), Data: string(data)})
	r.publishStatus(taskID)
	return nil
}

func (r *Runner) finishFailed(taskID, reason string) {
	if err := r.store.Fail(taskID, reason); err != nil {
		r.log.Error("record failure", "task", taskID, "error", err)
	}
	r.publishStatus(taskID)
	data, _ := json.Marshal(map[string]string{"message": reason})
	r.hub.Publish(taskID, Frame{Event: "error", Data: string(data)})
	r.hub.Close(taskID)
}

// finishCancelled ends a walker whose context was cut. A runner-wide
// shutdown leaves the row alone; a task cancel records it and tells the
// stream.
func (r *Runner) finishCancelled(taskID string) {
	if r.ctx.Err() != nil {
		return
	}
	if err := r.store.SetStatus(taskID, api.StatusCancelled); err != nil {
		r.log.Error("record cancel", "task", taskID, "error", err)
	}
	r.publishStatus(taskID)
	r.hub.Publish(taskID, Frame{Event: "cancelled", Data: `{"type":"cancelled"}`})
	r.hub.Close(taskID)
}

func (r *Runner) publishStatus(taskID string) {
	task, err := r.store.GetTask(taskID)
	if err != nil || task == nil {
		r.log.Warn("status snapshot failed", "task", taskID, "error", err)
		return
	}
	payload := struct {
		Type string `json:"type"`
		api.Task
	}{Type: "status", Task: *task}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode status", "task", taskID, "error", err)
		return
	}
	r.hub.Publish(taskID, Frame{Event: "status", Data: string(data)})
}
