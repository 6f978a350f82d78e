package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
)

func testConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		Heartbeat:  40 * time.Millisecond,
	}
}

// fakeAPI scripts the server side of the contract. Each stream open runs
// the next script in order; opens beyond the script list are rejected.
type fakeAPI struct {
	mu       sync.Mutex
	task     api.Task
	connects int
	cancels  int
	responds []api.RespondRequest

	scripts       []func(w http.ResponseWriter, r *http.Request)
	respondStatus int
}

func newFakeAPI(status api.TaskStatus) *fakeAPI {
	return &fakeAPI{
		task: api.Task{ID: "t-1", Prompt: "do the thing", Status: status},
	}
}

func (f *fakeAPI) setStatus(status api.TaskStatus, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Status = status
	f.task.Result = result
}

func (f *fakeAPI) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAPI) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		task := f.task
		f.mu.Unlock()
		json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc("GET /tasks/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		idx := f.connects
		f.connects++
		var script func(http.ResponseWriter, *http.Request)
		if idx < len(f.scripts) {
			script = f.scripts[idx]
		}
		f.mu.Unlock()
		if script == nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(api.ErrorResponse{Detail: "stream unavailable"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		script(w, r)
	})
	mux.HandleFunc("POST /tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancels++
		f.task.Status = api.StatusCancelled
		f.mu.Unlock()
		io.WriteString(w, `{}`)
	})
	mux.HandleFunc("POST /tasks/{id}/respond", func(w http.ResponseWriter, r *http.Request) {
		var req api.RespondRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.responds = append(f.responds, req)
		status := f.respondStatus
		f.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(api.ErrorResponse{Detail: "No pending request with this ID"})
			return
		}
		io.WriteString(w, `{"success":true}`)
	})
	return mux
}

func frame(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}

func startEngine(t *testing.T, f *fakeAPI, cfg Config) (*Controller, chan Update) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cl := client.New(srv.URL, 2*time.Second, log.New(io.Discard))
	updates := make(chan Update, 256)
	ctrl := NewController(cl, ChanSink(updates), cfg, log.New(io.Discard))
	t.Cleanup(ctrl.Close)
	return ctrl, updates
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

// collectUntilTerminal reads updates through the first TerminalUpdate.
func collectUntilTerminal(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var all []Update
	for {
		u := nextUpdate(t, ch)
		all = append(all, u)
		if _, ok := u.(TerminalUpdate); ok {
			return all
		}
	}
}

// drainFor returns every update that arrives within d.
func drainFor(ch <-chan Update, d time.Duration) []Update {
	var all []Update
	deadline := time.After(d)
	for {
		select {
		case u := <-ch:
			all = append(all, u)
		case <-deadline:
			return all
		}
	}
}

func stepsOf(updates []Update) []StepUpdate {
	var steps []StepUpdate
	for _, u := range updates {
		if s, ok := u.(StepUpdate); ok {
			steps = append(steps, s)
		}
	}
	return steps
}

func connectionsOf(updates []Update) []ConnectionUpdate {
	var conns []ConnectionUpdate
	for _, u := range updates {
		if c, ok := u.(ConnectionUpdate); ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func TestTerminalFrameClosesOnce(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"working on it"}`)
			frame(w, "status", `{"type":"status","status":"running","steps":[]}`)
			f.setStatus(api.StatusCompleted, "all done")
			frame(w, "complete", `{"type":"complete"}`)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	all := collectUntilTerminal(t, updates)

	term := all[len(all)-1].(TerminalUpdate)
	if term.Status != api.StatusCompleted {
		t.Errorf("terminal status = %q, want completed", term.Status)
	}
	steps := stepsOf(all)
	if len(steps) != 1 || steps[0].Step.Type != api.StepThink {
		t.Errorf("steps = %+v, want a single think step", steps)
	}
	for _, c := range connectionsOf(all) {
		if c.State == StateRetrying || c.State == StateGivenUp {
			t.Errorf("unexpected connection update: %+v", c)
		}
	}

	// Terminal is sticky: no reconnect, no further terminal updates.
	late := drainFor(updates, 100*time.Millisecond)
	for _, u := range late {
		if _, ok := u.(TerminalUpdate); ok {
			t.Error("second terminal update after completion")
		}
	}
	if n := f.connectCount(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
}

func TestDropThenReconnect(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"first half"}`)
			// return without a terminal frame: transport drop
		},
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "act", `{"step":0,"result":"second half"}`)
			f.setStatus(api.StatusCompleted, "")
			frame(w, "complete", `{"type":"complete"}`)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	all := collectUntilTerminal(t, updates)

	steps := stepsOf(all)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Step.Type != api.StepThink || steps[1].Step.Type != api.StepAct {
		t.Errorf("step order = %v, %v", steps[0].Step.Type, steps[1].Step.Type)
	}

	var retried bool
	for _, c := range connectionsOf(all) {
		if c.State == StateRetrying {
			retried = true
			if c.Attempt != 1 {
				t.Errorf("retry attempt = %d, want 1", c.Attempt)
			}
		}
	}
	if !retried {
		t.Error("no retrying update before reconnect")
	}
	if n := f.connectCount(); n != 2 {
		t.Errorf("connect count = %d, want 2", n)
	}
}

func TestLostTerminalFrameCostsNoRetry(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"almost there"}`)
			// The task finishes but the connection dies before the
			// complete frame goes out.
			f.setStatus(api.StatusCompleted, "recovered result")
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	all := collectUntilTerminal(t, updates)

	term := all[len(all)-1].(TerminalUpdate)
	if term.Status != api.StatusCompleted {
		t.Errorf("terminal status = %q, want completed", term.Status)
	}
	for _, c := range connectionsOf(all) {
		if c.State == StateRetrying || c.State == StateGivenUp {
			t.Errorf("retry consumed on lost terminal frame: %+v", c)
		}
	}
	if n := f.connectCount(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	// No scripts: every stream open is rejected with 500.
	cfg := testConfig()
	cfg.MaxRetries = 2
	ctrl, updates := startEngine(t, f, cfg)

	ctrl.Start("t-1")

	var conns []ConnectionUpdate
	deadline := time.After(3 * time.Second)
	for {
		var gaveUp bool
		select {
		case u := <-updates:
			if c, ok := u.(ConnectionUpdate); ok {
				conns = append(conns, c)
				gaveUp = c.State == StateGivenUp
			}
			if _, ok := u.(TerminalUpdate); ok {
				t.Fatal("terminal update for a task that never finished")
			}
		case <-deadline:
			t.Fatal("timed out waiting for give-up")
		}
		if gaveUp {
			break
		}
	}

	var retries int
	for _, c := range conns {
		if c.State == StateRetrying {
			retries++
			if c.Attempt > cfg.MaxRetries {
				t.Errorf("retry attempt %d exceeds budget %d", c.Attempt, cfg.MaxRetries)
			}
		}
	}
	if retries != cfg.MaxRetries {
		t.Errorf("retries = %d, want %d", retries, cfg.MaxRetries)
	}

	// After giving up the session is done: no further opens.
	time.Sleep(50 * time.Millisecond)
	if n := f.connectCount(); n != cfg.MaxRetries+1 {
		t.Errorf("connect count = %d, want %d", n, cfg.MaxRetries+1)
	}
	if ctrl.Active("t-1") {
		t.Error("session still active after give-up")
	}
}

func TestUserCancelTearsDown(t *testing.T) {
	release := make(chan struct{})
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"spinning"}`)
			select {
			case <-r.Context().Done():
			case <-release:
			}
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())
	defer close(release)

	ctrl.Start("t-1")
	for {
		if _, ok := nextUpdate(t, updates).(StepUpdate); ok {
			break
		}
	}

	if err := ctrl.Cancel(context.Background(), "t-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if n := f.cancelCount(); n != 1 {
		t.Errorf("cancel count = %d, want 1", n)
	}

	var sawCancelled bool
	for _, u := range drainFor(updates, 200*time.Millisecond) {
		if term, ok := u.(TerminalUpdate); ok {
			if sawCancelled {
				t.Error("duplicate terminal update")
			}
			if term.Status != api.StatusCancelled {
				t.Errorf("terminal status = %q, want cancelled", term.Status)
			}
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("no cancelled terminal update")
	}

	// Cancel after terminal is a no-op: no second remote call.
	if err := ctrl.Cancel(context.Background(), "t-1"); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if n := f.cancelCount(); n != 1 {
		t.Errorf("cancel count after no-op = %d, want 1", n)
	}
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			f.setStatus(api.StatusCompleted, "done")
			frame(w, "complete", `{"type":"complete"}`)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	collectUntilTerminal(t, updates)

	if err := ctrl.Cancel(context.Background(), "t-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if n := f.cancelCount(); n != 0 {
		t.Errorf("cancel count = %d, want 0", n)
	}
	for _, u := range drainFor(updates, 100*time.Millisecond) {
		if _, ok := u.(TerminalUpdate); ok {
			t.Error("terminal re-rendered by post-completion cancel")
		}
	}
}

func TestAskHumanRespondFlow(t *testing.T) {
	answered := make(chan struct{})
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "ask_human", `{"step":0,"result":{"question":"Proceed?","request_id":"req-7"}}`)
			select {
			case <-answered:
			case <-r.Context().Done():
				return
			}
			f.setStatus(api.StatusCompleted, "done")
			frame(w, "complete", `{"type":"complete"}`)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")

	var prompt PromptUpdate
	for {
		u := nextUpdate(t, updates)
		if p, ok := u.(PromptUpdate); ok {
			prompt = p
			break
		}
	}
	if prompt.Ask.RequestID != "req-7" {
		t.Fatalf("prompt = %+v", prompt.Ask)
	}

	if err := ctrl.Respond(context.Background(), "t-1", prompt.Ask.RequestID, "yes, proceed"); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	close(answered)

	var resolved bool
	for _, u := range collectUntilTerminal(t, updates) {
		if res, ok := u.(PromptResolvedUpdate); ok {
			resolved = true
			if res.RequestID != "req-7" || res.Answer != "yes, proceed" || res.Skipped {
				t.Errorf("resolution = %+v", res)
			}
		}
	}
	if !resolved {
		t.Error("no prompt resolution update")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responds) != 1 || f.responds[0].RequestID != "req-7" {
		t.Errorf("responds = %+v", f.responds)
	}
}

func TestRespondFailureKeepsPromptPending(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.respondStatus = http.StatusNotFound
	ctrl, updates := startEngine(t, f, testConfig())

	err := ctrl.Respond(context.Background(), "t-1", "req-stale", "yes")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 *APIError", err)
	}
	for _, u := range drainFor(updates, 50*time.Millisecond) {
		if _, ok := u.(PromptResolvedUpdate); ok {
			t.Error("resolution update despite failed respond")
		}
	}
}

func TestSkipSendsSentinel(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	ctrl, updates := startEngine(t, f, testConfig())

	if err := ctrl.Skip(context.Background(), "t-1", "req-7"); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	f.mu.Lock()
	if len(f.responds) != 1 || f.responds[0].Response != api.SkipAnswer {
		t.Errorf("responds = %+v, want the skip sentinel", f.responds)
	}
	f.mu.Unlock()

	var resolved bool
	for _, u := range drainFor(updates, 100*time.Millisecond) {
		if res, ok := u.(PromptResolvedUpdate); ok {
			resolved = true
			if !res.Skipped {
				t.Error("skip not flagged in resolution")
			}
		}
	}
	if !resolved {
		t.Error("no resolution update for skip")
	}
}

func TestWatchdogTicksDuringSilence(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"going quiet"}`)
			select {
			case <-r.Context().Done():
			case <-time.After(500 * time.Millisecond):
			}
		},
	}
	cfg := testConfig()
	cfg.Heartbeat = 30 * time.Millisecond
	ctrl, updates := startEngine(t, f, cfg)

	ctrl.Start("t-1")

	var ticks int
	deadline := time.After(2 * time.Second)
	for ticks < 2 {
		select {
		case u := <-updates:
			if _, ok := u.(HeartbeatUpdate); ok {
				ticks++
			}
		case <-deadline:
			t.Fatalf("saw %d heartbeat ticks, want at least 2", ticks)
		}
	}
}

func TestMalformedFrameRendersErrorStep(t *testing.T) {
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"result":`)
			frame(w, "think", `{"result":"still alive"}`)
			f.setStatus(api.StatusCompleted, "")
			frame(w, "complete", `{"type":"complete"}`)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	all := collectUntilTerminal(t, updates)

	steps := stepsOf(all)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want error step plus real step", len(steps))
	}
	if steps[0].Step.Type != api.StepError {
		t.Errorf("first step type = %q, want error", steps[0].Step.Type)
	}
	// The channel survived the bad frame.
	if steps[1].Step.Body() != "still alive" {
		t.Errorf("second step = %+v", steps[1].Step)
	}
	if n := f.connectCount(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
}

func TestStartSupersedesPrimary(t *testing.T) {
	firstClosed := make(chan struct{})
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"first stream"}`)
			<-r.Context().Done()
			close(firstClosed)
		},
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"second stream"}`)
			<-r.Context().Done()
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	for {
		if s, ok := nextUpdate(t, updates).(StepUpdate); ok && s.Step.Body() == "first stream" {
			break
		}
	}

	ctrl.Start("t-1")
	select {
	case <-firstClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded stream not closed")
	}

	for {
		u := nextUpdate(t, updates)
		if term, ok := u.(TerminalUpdate); ok {
			t.Fatalf("superseded session rendered a terminal: %+v", term)
		}
		if s, ok := u.(StepUpdate); ok && s.Step.Body() == "second stream" {
			return
		}
	}
}

func TestStopLeavesRemoteRunning(t *testing.T) {
	streamClosed := make(chan struct{})
	f := newFakeAPI(api.StatusRunning)
	f.scripts = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			frame(w, "think", `{"step":0,"result":"working"}`)
			<-r.Context().Done()
			close(streamClosed)
		},
	}
	ctrl, updates := startEngine(t, f, testConfig())

	ctrl.Start("t-1")
	for {
		if _, ok := nextUpdate(t, updates).(StepUpdate); ok {
			break
		}
	}

	ctrl.Stop("t-1")
	select {
	case <-streamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("stopped session did not close its stream")
	}

	if got := f.cancelCount(); got != 0 {
		t.Errorf("Expected no remote cancel, got %d", got)
	}
	for _, u := range drainFor(updates, 100*time.Millisecond) {
		if term, ok := u.(TerminalUpdate); ok {
			t.Fatalf("local stop rendered a terminal: %+v", term)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if ctrl.Active("t-1") {
		t.Error("Expected session to be inactive after Stop")
	}

	// A stopped task can be watched again.
	f.mu.Lock()
	f.scripts = append(f.scripts, func(w http.ResponseWriter, r *http.Request) {
		frame(w, "act", `{"step":1,"result":"resumed"}`)
		f.setStatus(api.StatusCompleted, "done")
		frame(w, "complete", `{"type":"complete"}`)
	})
	f.mu.Unlock()

	ctrl.Start("t-1")
	all := collectUntilTerminal(t, updates)
	steps := stepsOf(all)
	if len(steps) == 0 || steps[len(steps)-1].Step.Body() != "resumed" {
		t.Fatalf("Expected resumed step after re-watch, got %+v", steps)
	}
}

func TestDecideReconnect(t *testing.T) {
	running := &api.Task{ID: "t-1", Status: api.StatusRunning}
	finished := &api.Task{ID: "t-1", Status: api.StatusCompleted}

	cases := []struct {
		name    string
		polled  *api.Task
		retries int
		max     int
		want    reconnectAction
	}{
		{"terminal poll wins at zero retries", finished, 0, 3, actionTerminal},
		{"terminal poll wins with budget spent", finished, 3, 3, actionTerminal},
		{"running task retries", running, 0, 3, actionRetry},
		{"poll failure still retries", nil, 2, 3, actionRetry},
		{"budget exhausted gives up", running, 3, 3, actionGiveUp},
		{"poll failure at budget gives up", nil, 3, 3, actionGiveUp},
		{"zero budget gives up immediately", running, 0, 0, actionGiveUp},
	}
	for _, c := range cases {
		if got := decideReconnect(c.polled, c.retries, c.max); got != c.want {
			t.Errorf("%s: decideReconnect = %v, want %v", c.name, got, c.want)
		}
	}
}
