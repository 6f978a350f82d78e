package stream

import (
	"errors"
	"testing"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
)

func TestClassifyStepFrames(t *testing.T) {
	cases := []struct {
		event string
		data  string
		want  api.StepType
		body  string
	}{
		{"think", `{"step":0,"result":"pondering the request"}`, api.StepThink, "pondering the request"},
		{"tool", `{"step":0,"result":"Executing tool: browser"}`, api.StepTool, "Executing tool: browser"},
		{"act", `{"step":0,"result":"Executing action: click"}`, api.StepAct, "Executing action: click"},
		{"run", `{"step":2,"result":"running"}`, api.StepRun, "running"},
		{"message", `{"result":"hello"}`, api.StepMessage, "hello"},
		{"log", `{"result":"plain line"}`, api.StepLog, "plain line"},
	}
	for _, c := range cases {
		got, err := Classify(client.Frame{Event: c.event, Data: []byte(c.data)})
		if err != nil {
			t.Fatalf("Classify(%s) failed: %v", c.event, err)
		}
		if got.Skip || got.Terminal {
			t.Errorf("Classify(%s) = %+v, want step", c.event, got)
		}
		if got.Step.Type != c.want || got.Step.Body() != c.body {
			t.Errorf("Classify(%s) step = %+v", c.event, got.Step)
		}
	}
}

func TestClassifyUnknownEventKeepsType(t *testing.T) {
	got, err := Classify(client.Frame{Event: "result", Data: []byte(`{"step":1,"result":"the final answer"}`)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Step.Type != api.StepType("result") {
		t.Errorf("type = %q, want raw event name", got.Step.Type)
	}
	if got.Step.Body() != "the final answer" {
		t.Errorf("body = %q", got.Step.Body())
	}
}

func TestClassifyTerminalFrames(t *testing.T) {
	cases := []struct {
		event   string
		data    string
		status  api.TaskStatus
		message string
	}{
		{"complete", `{"type":"complete"}`, api.StatusCompleted, ""},
		{"complete", `{"result":"Done"}`, api.StatusCompleted, "Done"},
		{"error", `{"message":"agent exploded"}`, api.StatusFailed, "agent exploded"},
		{"cancelled", `{}`, api.StatusCancelled, ""},
		// A garbled terminal payload loses its text, never its effect.
		{"error", `not json`, api.StatusFailed, ""},
	}
	for _, c := range cases {
		got, err := Classify(client.Frame{Event: c.event, Data: []byte(c.data)})
		if err != nil {
			t.Fatalf("Classify(%s) failed: %v", c.event, err)
		}
		if !got.Terminal {
			t.Fatalf("Classify(%s) not terminal: %+v", c.event, got)
		}
		if got.Status != c.status || got.Message != c.message {
			t.Errorf("Classify(%s %s) = status %q message %q", c.event, c.data, got.Status, got.Message)
		}
	}
}

func TestClassifySkipsStatusFrames(t *testing.T) {
	got, err := Classify(client.Frame{Event: "status", Data: []byte(`{"type":"status","status":"running","steps":[]}`)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !got.Skip {
		t.Errorf("status frame not skipped: %+v", got)
	}
}

func TestClassifyAskHuman(t *testing.T) {
	got, err := Classify(client.Frame{
		Event: "ask_human",
		Data:  []byte(`{"step":0,"result":{"question":"Proceed with the summary?","request_id":"req-42"}}`),
	})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	ask, ok := got.Step.Ask()
	if !ok {
		t.Fatalf("payload = %#v, want AskHumanPayload", got.Step.Payload)
	}
	if ask.Question != "Proceed with the summary?" || ask.RequestID != "req-42" {
		t.Errorf("ask = %+v", ask)
	}

	// A question without a request id cannot be answered and must not
	// classify into a prompt.
	_, err = Classify(client.Frame{
		Event: "ask_human",
		Data:  []byte(`{"result":{"question":"Proceed?"}}`),
	})
	if !errors.Is(err, api.ErrNoRequestID) {
		t.Errorf("error = %v, want ErrNoRequestID", err)
	}
}

func TestClassifyMalformedFrame(t *testing.T) {
	if _, err := Classify(client.Frame{Event: "think", Data: []byte(`{"result":`)}); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestProgressHint(t *testing.T) {
	got, err := Classify(client.Frame{Event: "log", Data: []byte(`{"result":"Executing step 1/5"}`)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Hint.Progress == nil {
		t.Fatal("no progress hint")
	}
	if got.Hint.Progress.Current != 1 || got.Hint.Progress.Total != 5 {
		t.Errorf("progress = %+v, want 1/5", got.Hint.Progress)
	}

	got, err = Classify(client.Frame{Event: "log", Data: []byte(`{"result":"ordinary log line"}`)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Hint.Progress != nil {
		t.Errorf("unexpected progress hint: %+v", got.Hint.Progress)
	}
}

func TestSavedFileHint(t *testing.T) {
	got, err := Classify(client.Frame{
		Event: "act",
		Data:  []byte(`{"result":"Content successfully saved to out/report.png"}`),
	})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	file := got.Hint.File
	if file == nil {
		t.Fatal("no file hint")
	}
	if file.Path != "out/report.png" || file.Name != "report.png" || file.Kind != FileImage {
		t.Errorf("file = %+v", file)
	}

	// The same text on a non-act step carries no hint.
	got, err = Classify(client.Frame{
		Event: "log",
		Data:  []byte(`{"result":"Content successfully saved to out/report.png"}`),
	})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Hint.File != nil {
		t.Errorf("unexpected file hint on log step: %+v", got.Hint.File)
	}
}

func TestKindForPath(t *testing.T) {
	cases := []struct {
		path string
		kind FileKind
	}{
		{"out/report.png", FileImage},
		{"music/track.mp3", FileAudio},
		{"scripts/tidy.py", FileCode},
		{"notes/summary.md", FileCode},
		{"archive/bundle.tar.gz", FileGeneric},
	}
	for _, c := range cases {
		if got := kindForPath(c.path); got != c.kind {
			t.Errorf("kindForPath(%q) = %v, want %v", c.path, got, c.kind)
		}
	}
}
