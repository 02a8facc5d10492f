package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/metrics"
)

// EventType names a task lifecycle event.
type EventType string

const (
	EventQueued    EventType = "task.queued"
	EventStarted   EventType = "task.started"
	EventDone      EventType = "task.done"
	EventFailed    EventType = "task.error"
	EventTimedOut  EventType = "task.timeout"
	EventSkipped   EventType = "task.skipped"
	EventCancelled EventType = "task.cancelled"
)

// Event is published on every lifecycle transition.
type Event struct {
	Type     EventType       `json:"type"`
	TaskID   string          `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
	Status   domain.Status   `json:"status"`
	Info     string          `json:"info,omitempty"`
	Worker   string          `json:"worker,omitempty"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

func newEvent(typ EventType, t *domain.Task) Event {
	e := Event{
		Type:     typ,
		TaskID:   t.ID,
		TaskType: t.Type,
		Status:   t.Status(),
		Info:     t.Info(),
		Worker:   t.AssignedWorker(),
		Time:     time.Now(),
	}
	if err := t.Err(); err != nil {
		e.Error = err.Error()
	}
	return e
}

// hub fans events out to subscribers. A subscriber that falls behind loses
// events instead of stalling the dispatcher.
type hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Int64
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *hub) publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
