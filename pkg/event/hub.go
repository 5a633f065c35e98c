package event

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/goqcm/pkg/conditioner"
)

// Event is a conditioned reading emitted by a device.
type Event struct {
	Value    conditioner.Value
	SourceID string    // device identity negotiated on attach
	Time     time.Time // when the value was produced
}

// Listener receives conditioned events.
// A returned error or a panic is logged by the Hub and does not affect other listeners.
type Listener interface {
	IncomingEvent(ev Event) error
}

type funcListener struct {
	fn func(Event) error
}

func (f *funcListener) IncomingEvent(ev Event) error {
	return f.fn(ev)
}

// ListenerFunc wraps fn as a Listener. Each call returns a distinct Listener,
// so keep the result to unsubscribe it later.
func ListenerFunc(fn func(Event) error) Listener {
	return &funcListener{fn: fn}
}

// Hub fans out events to subscribed listeners.
//
// Subscriptions are copy-on-write: Publish iterates an immutable snapshot, so
// listeners may subscribe or unsubscribe (also from inside IncomingEvent)
// without affecting a dispatch already in progress.
type Hub struct {
	mu        sync.Mutex // serializes writers
	listeners atomic.Pointer[[]Listener]
	logger    *slog.Logger
}

// NewHub creates an empty Hub. A nil logger means slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{logger: logger}
	h.listeners.Store(&[]Listener{})
	return h
}

// Subscribe appends l and reports whether it was accepted. Subscribing the
// same listener twice delivers events to it twice. Nil listeners and
// listeners whose dynamic type is not comparable (func or map based types)
// are rejected; wrap functions with ListenerFunc instead.
func (h *Hub) Subscribe(l Listener) bool {
	if !isComparable(l) {
		if l != nil {
			h.logger.Warn("rejecting non-comparable listener", slog.String("listener", fmt.Sprintf("%T", l)))
		}
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.listeners.Load()
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	h.listeners.Store(&next)
	return true
}

// Unsubscribe removes the first subscription of l and reports whether one was found.
// Listeners are matched by identity.
func (h *Hub) Unsubscribe(l Listener) bool {
	if !isComparable(l) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.listeners.Load()
	for i, existing := range cur {
		if reflect.TypeOf(existing) != reflect.TypeOf(l) || existing != l {
			continue
		}
		next := make([]Listener, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		h.listeners.Store(&next)
		return true
	}
	return false
}

// isComparable reports whether l can be matched by identity with ==.
func isComparable(l Listener) bool {
	if l == nil {
		return false
	}
	return reflect.TypeOf(l).Comparable()
}

// Len returns the number of subscriptions.
func (h *Hub) Len() int {
	return len(*h.listeners.Load())
}

// Publish delivers ev to every listener subscribed when the call starts, in
// subscription order, and returns how many accepted it without failing.
func (h *Hub) Publish(ev Event) int {
	snapshot := *h.listeners.Load()

	delivered := 0
	for _, l := range snapshot {
		if err := h.deliver(l, ev); err != nil {
			h.logger.Error("listener failure",
				slog.String("listener", fmt.Sprintf("%T", l)),
				slog.String("source_id", ev.SourceID),
				slog.Any("error", err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) deliver(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.IncomingEvent(ev)
}
