// Package toast keeps the single notification shown to the dashboard user.
package toast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDuration is how long a toast stays visible unless dismissed.
const DefaultDuration = 5 * time.Second

// Kind selects the toast color.
type Kind string

const (
	Error   Kind = "error"
	Success Kind = "success"
	Info    Kind = "info"
)

// Toast is a visible notification.
type Toast struct {
	ShownAt  time.Time     `json:"shown_at"`
	ID       string        `json:"id"`
	Message  string        `json:"message"`
	Kind     Kind          `json:"kind"`
	Duration time.Duration `json:"duration"`
}

// EventType says what happened to a toast.
type EventType string

const (
	Shown     EventType = "shown"
	Dismissed EventType = "dismissed"
)

// Event is delivered to listeners.
type Event struct {
	Type  EventType `json:"type"`
	Toast Toast     `json:"toast"`
}

// Timer is the part of *time.Timer the toaster uses.
type Timer interface {
	Stop() bool
}

// Toaster shows at most one toast at a time. Showing a new toast dismisses
// the current one.
type Toaster struct {
	logger    *slog.Logger
	afterFunc func(time.Duration, func()) Timer
	now       func() time.Time
	current   *Toast
	timer     Timer
	listeners []func(Event)
	mu        sync.Mutex
}

// New creates a Toaster.
func New(logger *slog.Logger) *Toaster {
	return &Toaster{
		logger: logger,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// SetAfterFunc replaces the scheduler used for auto dismissal.
func (t *Toaster) SetAfterFunc(fn func(time.Duration, func()) Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterFunc = fn
}

// Subscribe registers fn for shown and dismissed events. Listeners run
// synchronously outside the toaster lock.
func (t *Toaster) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Show replaces the current toast with message. A non-positive duration
// means DefaultDuration.
func (t *Toaster) Show(message string, kind Kind, duration time.Duration) Toast {
	if duration <= 0 {
		duration = DefaultDuration
	}
	next := Toast{
		ID:       uuid.NewString(),
		Message:  message,
		Kind:     kind,
		Duration: duration,
		ShownAt:  t.now(),
	}

	t.mu.Lock()
	var events []Event
	if old := t.clearLocked(); old != nil {
		events = append(events, Event{Type: Dismissed, Toast: *old})
	}
	t.current = &next
	id := next.ID
	t.timer = t.afterFunc(duration, func() { t.Dismiss(id) })
	events = append(events, Event{Type: Shown, Toast: next})
	listeners := t.listeners
	t.mu.Unlock()

	t.logger.Debug("Toast shown", "id", next.ID, "kind", string(kind), "message", message)
	notify(listeners, events)
	return next
}

// Dismiss hides the toast with id. It reports false when that toast is no
// longer visible.
func (t *Toaster) Dismiss(id string) bool {
	t.mu.Lock()
	if t.current == nil || t.current.ID != id {
		t.mu.Unlock()
		return false
	}
	old := t.clearLocked()
	listeners := t.listeners
	t.mu.Unlock()

	notify(listeners, []Event{{Type: Dismissed, Toast: *old}})
	return true
}

// Current returns the visible toast.
func (t *Toaster) Current() (Toast, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Toast{}, false
	}
	return *t.current, true
}

func (t *Toaster) clearLocked() *Toast {
	old := t.current
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.current = nil
	return old
}

func notify(listeners []func(Event), events []Event) {
	for _, e := range events {
		for _, fn := range listeners {
			fn(e)
		}
	}
}
