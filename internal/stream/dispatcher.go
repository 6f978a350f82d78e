package stream

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
)

// Classified is the dispatch result for one frame.
type Classified struct {
	// Skip marks frames the engine consumes without rendering. The
	// server interleaves full-snapshot status frames with every step;
	// the reconciler owns snapshots, so these never reach the surface.
	Skip bool
	// Terminal is set for complete, error and cancelled frames, with
	// the status the frame implies and its optional detail text.
	Terminal bool
	Status   api.TaskStatus
	Message  string
	// Step and Hint are valid when the frame was a narrative step.
	Step api.Step
	Hint RenderHint
}

// RenderHint carries presentation-only extras computed once at dispatch
// time. Hints never feed back into engine state.
type RenderHint struct {
	File     *FileRef
	Progress *Progress
}

// FileRef points at an artifact the agent reported saving.
type FileRef struct {
	Path string
	Name string
	Kind FileKind
}

// FileKind groups file references for kind-specific presentation.
type FileKind int

const (
	FileGeneric FileKind = iota
	FileImage
	FileAudio
	FileCode
)

func (k FileKind) String() string {
	switch k {
	case FileImage:
		return "image"
	case FileAudio:
		return "audio"
	case FileCode:
		return "code"
	}
	return "file"
}

// Progress marks an "Executing step i/n" milestone in the agent loop.
type Progress struct {
	Current int
	Total   int
}

var (
	savedFileRe = regexp.MustCompile(`Content successfully saved to\s+(\S+)`)
	progressRe  = regexp.MustCompile(`Executing step (\d+)/(\d+)`)
)

// Classify turns a raw frame into a renderable step or a control signal.
// Unknown event names become generic steps that keep their original type;
// an error return means the frame was unusable, which the session renders
// as a local error step without closing the channel.
func Classify(frame client.Frame) (Classified, error) {
	switch frame.Event {
	case api.EventStatus:
		return Classified{Skip: true}, nil
	case api.EventComplete:
		return Classified{Terminal: true, Status: api.StatusCompleted, Message: terminalText(frame.Data)}, nil
	case api.EventError:
		return Classified{Terminal: true, Status: api.StatusFailed, Message: terminalText(frame.Data)}, nil
	case api.EventCancelled:
		return Classified{Terminal: true, Status: api.StatusCancelled, Message: terminalText(frame.Data)}, nil
	}

	var w struct {
		Step   int             `json:"step"`
		Result json.RawMessage `json:"result"`
	}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return Classified{}, fmt.Errorf("frame %q: %w", frame.Event, err)
		}
	}

	stepType := api.StepType(frame.Event)
	payload, err := api.DecodePayload(stepType, w.Result)
	if err != nil {
		return Classified{}, fmt.Errorf("frame %q: %w", frame.Event, err)
	}

	step := api.Step{Type: stepType, Seq: w.Step, Payload: payload}
	return Classified{Step: step, Hint: HintFor(step)}, nil
}

// terminalText pulls the detail out of a terminal frame. A malformed
// payload loses its text, never its terminal effect.
func terminalText(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var w struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return ""
	}
	if w.Message != "" {
		return w.Message
	}
	return w.Result
}

// HintFor derives render hints from a step's text. Live frames get their
// hints during classification; stored steps go through here when a
// historical task is rendered.
func HintFor(step api.Step) RenderHint {
	var hint RenderHint
	switch step.Type {
	case api.StepAct:
		if m := savedFileRe.FindStringSubmatch(step.Body()); m != nil {
			hint.File = fileRef(m[1])
		}
	case api.StepLog:
		if m := progressRe.FindStringSubmatch(step.Body()); m != nil {
			current, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			hint.Progress = &Progress{Current: current, Total: total}
		}
	}
	return hint
}

func fileRef(raw string) *FileRef {
	p := strings.TrimRight(raw, `.,;:)"'`)
	return &FileRef{Path: p, Name: path.Base(p), Kind: kindForPath(p)}
}

func kindForPath(p string) FileKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".svg":
		return FileImage
	case ".mp3", ".wav", ".ogg", ".flac", ".m4a":
		return FileAudio
	case ".py", ".js", ".ts", ".go", ".html", ".css", ".json", ".yaml", ".yml", ".toml", ".sh", ".sql", ".md":
		return FileCode
	}
	return FileGeneric
}
