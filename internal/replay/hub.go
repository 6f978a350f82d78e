package replay

import "sync"

// Frame is one server-sent event before encoding.
type Frame struct {
	Event string
	Data  string
}

// hub fans task frames out to event stream subscribers. Every published
// frame is also kept, so a subscriber that arrives mid-task replays the
// full history before going live, with no gap and no duplicates.
type hub struct {
	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	history []Frame
	subs    map[int]chan Frame
	nextID  int
	closed  bool
}

func newHub() *hub {
	return &hub{feeds: make(map[string]*feed)}
}

func (h *hub) feedFor(taskID string) *feed {
	f, ok := h.feeds[taskID]
	if !ok {
		f = &feed{subs: make(map[int]chan Frame)}
		h.feeds[taskID] = f
	}
	return f
}

// Publish appends a frame to the task's history and delivers it to every
// live subscriber. A subscriber that cannot keep up is dropped; it can
// reconnect and catch up from history.
func (h *hub) Publish(taskID string, frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedFor(taskID)
	if f.closed {
		return
	}
	f.history = append(f.history, frame)
	for id, ch := range f.subs {
		select {
		case ch <- frame:
		default:
			close(ch)
			delete(f.subs, id)
		}
	}
}

// Subscribe returns the task's accumulated frames and a channel for
// frames published afterwards. The channel is closed when the task ends.
// For a task that already ended, the channel comes back closed and the
// history is everything there is.
func (h *hub) Subscribe(taskID string) (history []Frame, ch <-chan Frame, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedFor(taskID)
	history = append([]Frame(nil), f.history...)

	sub := make(chan Frame, 256)
	if f.closed {
		close(sub)
		return history, sub, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = sub

	return history, sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			close(sub)
			delete(f.subs, id)
		}
	}
}

// Close ends a task's feed: live subscribers see their channel close
// after the frames already delivered.
func (h *hub) Close(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedFor(taskID)
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
