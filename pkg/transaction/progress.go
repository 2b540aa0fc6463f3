package transaction

import (
	"context"
	"sync"
	"time"
)

// Event types
const (
	EventMessage  = "message"
	EventPercent  = "percent"
	EventFinished = "finished"
)

// Event is one progress report of a transaction
type Event struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Percent int       `json:"percent,omitempty"`
	Success bool      `json:"success,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Progress receives reports from a running transaction body
type Progress interface {
	Message(text string)
	Percent(text string, percent int)
}

// hub stores every event so late subscribers see the full history. It
// accepts nothing after the finished event.
type hub struct {
	mu       sync.Mutex
	events   []Event
	finished bool
	changed  chan struct{}
}

func newHub() *hub {
	return &hub{changed: make(chan struct{})}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.events = append(h.events, ev)
	if ev.Type == EventFinished {
		h.finished = true
	}
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *hub) snapshot(from int) ([]Event, bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pending []Event
	if from < len(h.events) {
		pending = append(pending, h.events[from:]...)
	}
	return pending, h.finished, h.changed
}

// subscribe streams the history followed by live events. The channel is
// closed after the finished event or when ctx ends.
func (h *hub) subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		cursor := 0
		for {
			pending, finished, changed := h.snapshot(cursor)
			for _, ev := range pending {
				select {
				case out <- ev:
					cursor++
				case <-ctx.Done():
					return
				}
			}
			if finished && len(pending) == 0 {
				return
			}
			if finished {
				continue
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
