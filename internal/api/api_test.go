package api

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.terminal {
			t.Errorf("Terminal(%q) = %v, want %v", c.status, got, c.terminal)
		}
	}
}

func TestTaskNormalize(t *testing.T) {
	task := Task{Status: TaskStatus("failed: tool crashed")}
	task.Normalize()
	if task.Status != StatusFailed {
		t.Errorf("status = %q, want %q", task.Status, StatusFailed)
	}
	if task.Error != "tool crashed" {
		t.Errorf("error = %q, want %q", task.Error, "tool crashed")
	}

	task = Task{Status: StatusRunning}
	task.Normalize()
	if task.Status != StatusRunning {
		t.Errorf("running task normalized to %q", task.Status)
	}

	// An explicit error is not overwritten by the status suffix.
	task = Task{Status: TaskStatus("failed: generic"), Error: "original"}
	task.Normalize()
	if task.Error != "original" {
		t.Errorf("error = %q, want %q", task.Error, "original")
	}
}

func TestTimestampFormats(t *testing.T) {
	for _, raw := range []string{
		`"2025-03-01T10:20:30Z"`,
		`"2025-03-01T10:20:30.123456"`,
		`"2025-03-01T10:20:30"`,
	} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", raw, err)
		}
		if ts.IsZero() {
			t.Errorf("Unmarshal(%s) produced zero time", raw)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("expected error for unrecognized timestamp")
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(StepThink, json.RawMessage(`"pondering"`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if text, ok := p.(Text); !ok || string(text) != "pondering" {
		t.Errorf("payload = %#v, want Text(\"pondering\")", p)
	}

	p, err = DecodePayload(StepAskHuman, json.RawMessage(`{"question":"proceed?","request_id":"r-1"}`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	ask, ok := p.(AskHumanPayload)
	if !ok {
		t.Fatalf("payload = %#v, want AskHumanPayload", p)
	}
	if ask.Question != "proceed?" || ask.RequestID != "r-1" {
		t.Errorf("ask = %+v", ask)
	}

	if _, err := DecodePayload(StepAskHuman, json.RawMessage(`{"question":"proceed?"}`)); !errors.Is(err, ErrNoRequestID) {
		t.Errorf("missing request_id error = %v, want ErrNoRequestID", err)
	}

	// Structured results on text steps are preserved verbatim.
	p, err = DecodePayload(StepLog, json.RawMessage(`{"elapsed":3}`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if text, ok := p.(Text); !ok || string(text) != `{"elapsed":3}` {
		t.Errorf("payload = %#v, want raw JSON text", p)
	}
}

func TestStepWireRoundTrip(t *testing.T) {
	in := Step{Type: StepAskHuman, Seq: 3, Payload: AskHumanPayload{Question: "ok?", RequestID: "r-9"}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out Step
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Seq != 3 || out.Type != StepAskHuman {
		t.Errorf("round trip = %+v", out)
	}
	if ask, ok := out.Ask(); !ok || ask.RequestID != "r-9" {
		t.Errorf("ask payload lost: %+v", out.Payload)
	}
}
