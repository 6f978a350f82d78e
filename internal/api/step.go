package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StepType identifies the kind of narrative step. Step-bearing SSE events
// share their name with the step type they produce. Unknown event names
// pass through as-is so the renderer can fall back to a generic label
// without losing the original type.
type StepType string

const (
	StepThink    StepType = "think"
	StepTool     StepType = "tool"
	StepAct      StepType = "act"
	StepLog      StepType = "log"
	StepRun      StepType = "run"
	StepMessage  StepType = "message"
	StepAskHuman StepType = "ask_human"
	StepError    StepType = "error"
)

// Control event names that do not map onto step types.
const (
	EventComplete  = "complete"
	EventError     = "error"
	EventCancelled = "cancelled"
	EventStatus    = "status"
)

// ErrNoRequestID marks an ask_human payload whose request id is missing
// or empty. Such a frame cannot be answered and must not raise a prompt.
var ErrNoRequestID = errors.New("ask_human payload missing request_id")

// Step is one entry in a task's narrative.
type Step struct {
	Type    StepType
	Seq     int
	Payload StepPayload
}

// StepPayload is the resolved content of a step. Exactly two shapes exist
// on the wire: plain text, and the ask_human question object. Resolution
// happens once, at decode time; consumers switch on the concrete type.
type StepPayload interface {
	stepPayload()
}

// Text is the ordinary step payload.
type Text string

func (Text) stepPayload() {}

// AskHumanPayload carries an agent question awaiting a human answer. The
// request id is opaque to the client and is echoed back verbatim on
// respond.
type AskHumanPayload struct {
	Question  string `json:"question"`
	RequestID string `json:"request_id"`
}

func (AskHumanPayload) stepPayload() {}

// Body returns the displayable text of the step payload.
func (s Step) Body() string {
	switch p := s.Payload.(type) {
	case Text:
		return string(p)
	case AskHumanPayload:
		return p.Question
	}
	return ""
}

// Ask returns the ask_human payload when the step carries one.
func (s Step) Ask() (AskHumanPayload, bool) {
	p, ok := s.Payload.(AskHumanPayload)
	return p, ok
}

// wireStep is the JSON shape steps take on the wire and in storage.
type wireStep struct {
	Seq    int             `json:"step"`
	Type   StepType        `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	w := wireStep{Seq: s.Seq, Type: s.Type}
	if s.Payload != nil {
		b, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, err
		}
		w.Result = b
	}
	return json.Marshal(w)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var w wireStep
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := DecodePayload(w.Type, w.Result)
	if err != nil {
		return err
	}
	s.Type = w.Type
	s.Seq = w.Seq
	s.Payload = payload
	return nil
}

// DecodePayload resolves a raw result field into the tagged payload for
// the given step type. ask_human results are objects; everything else is
// text. A non-string result on a text step is kept as raw JSON so nothing
// is silently dropped.
func DecodePayload(t StepType, raw json.RawMessage) (StepPayload, error) {
	if len(raw) == 0 {
		return Text(""), nil
	}
	if t == StepAskHuman {
		var ask AskHumanPayload
		if err := json.Unmarshal(raw, &ask); err != nil {
			return nil, fmt.Errorf("ask_human payload: %w", err)
		}
		if ask.RequestID == "" {
			return nil, ErrNoRequestID
		}
		return ask, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return Text(text), nil
	}
	return Text(raw), nil
}
