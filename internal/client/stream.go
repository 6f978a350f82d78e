package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/veskel/taskpulse/internal/api"
)

// Frame is one server-sent event: the event name and its raw data
// payload. Classification happens downstream.
type Frame struct {
	Event string
	Data  []byte
}

// EventStream is an open SSE channel for one task. Frames are delivered
// in order on Frames; after the channel closes, Err reports why (nil for
// a clean end of stream).
type EventStream struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
	err    error
}

// OpenEvents opens the event channel for a task. It returns once the
// server has accepted the stream; a non-200 reply is an *APIError.
func (c *Client) OpenEvents(ctx context.Context, id string) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	endpoint := c.base + "/tasks/" + url.PathEscape(id) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream for %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var body api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
			apiErr.Detail = body.Detail
		}
		cancel()
		return nil, apiErr
	}

	c.log.Debug("event stream open", "task", id)
	s := &EventStream{
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.read(resp.Body)
	return s, nil
}

// Frames returns the ordered frame channel. It closes when the stream
// ends for any reason.
func (s *EventStream) Frames() <-chan Frame {
	return s.frames
}

// Err reports why the stream ended. Only valid after Frames has closed.
func (s *EventStream) Err() error {
	return s.err
}

// Close tears the stream down. Safe to call more than once and
// concurrently with reads.
func (s *EventStream) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *EventStream) read(body io.ReadCloser) {
	defer close(s.frames)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var event string
	var data []string
	flush := func() bool {
		if event == "" && len(data) == 0 {
			return true
		}
		name := event
		if name == "" {
			// Per the SSE spec, unnamed events are "message" events.
			name = "message"
		}
		frame := Frame{Event: name, Data: []byte(strings.Join(data, "\n"))}
		event = ""
		data = nil
		select {
		case s.frames <- frame:
			return true
		case <-s.done:
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// Comment line; the server uses these as keep-alive
			// heartbeats.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	s.err = scanner.Err()
}
