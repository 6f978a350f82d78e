// Package api defines the wire types for the task server contract, shared
// by the client and the replay server.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: once a task reaches one, later frames and polls cannot move it
// back.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a point-in-time snapshot of a task. Polling GET /tasks/{id} is
// the authority for this shape; stream frames only narrate progress.
type Task struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	Status    TaskStatus `json:"status"`
	CreatedAt Timestamp  `json:"created_at"`
	Steps     []Step     `json:"steps,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Normalize folds server status variants into the canonical enum. The
// Python server writes "failed: <reason>" into its status column; the
// reason moves into Error so the status itself stays comparable.
func (t *Task) Normalize() {
	raw := string(t.Status)
	if t.Status.Terminal() || !strings.HasPrefix(raw, string(StatusFailed)) {
		return
	}
	if t.Error == "" {
		if _, reason, ok := strings.Cut(raw, ":"); ok {
			t.Error = strings.TrimSpace(reason)
		}
	}
	t.Status = StatusFailed
}

// Timestamp wraps time.Time to accept both RFC 3339 and the zone-less
// ISO form Python's datetime.isoformat() produces.
type Timestamp struct {
	time.Time
}

const isoNoZone = "2006-01-02T15:04:05.999999999"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = ts
		return nil
	}
	ts, err := time.Parse(isoNoZone, raw)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %q", raw)
	}
	t.Time = ts
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Prompt string `json:"prompt"`
}

// SubmitResponse is the reply to POST /tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// RespondRequest is the body of POST /tasks/{id}/respond. RequestID echoes
// the id carried by the ask_human frame being answered.
type RespondRequest struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// ErrorResponse is the error body shape on non-2xx replies.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SkipAnswer is the exact response recorded when the user declines to
// answer an ask_human question. The server treats it like any other
// answer; clients render it as a skip.
const SkipAnswer = "User chose to skip this question."
