// Package bus delivers change notifications to in-process subscribers.
package bus

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"plansync/internal/model"
)

// Listener reacts to a committed change. A returned error or a panic is
// logged and never reaches the emitter or the other listeners.
type Listener func(model.Change) error

// ListenerError describes one failed delivery.
type ListenerError struct {
	ListenerID int
	Change     model.Change
	Err        error
}

func (e ListenerError) Error() string {
	return fmt.Sprintf("listener %d failed on %s/%s: %v", e.ListenerID, e.Change.Collection, e.Change.Action, e.Err)
}

func (e ListenerError) Unwrap() error { return e.Err }

type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	logger    *log.Logger
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{listeners: map[int]Listener{}, logger: logger}
}

// Subscribe registers fn and returns the id to pass to Unsubscribe.
func (b *Bus) Subscribe(fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = fn
	return b.nextID
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Emit calls every listener in subscription order and returns the failures
// it logged.
func (b *Bus) Emit(ch model.Change) []ListenerError {
	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = b.listeners[id]
	}
	b.mu.RUnlock()

	var failed []ListenerError
	for i, id := range ids {
		if err := deliver(fns[i], ch); err != nil {
			le := ListenerError{ListenerID: id, Change: ch, Err: err}
			b.logger.Printf("bus: %v", le)
			failed = append(failed, le)
		}
	}
	return failed
}

func deliver(fn Listener, ch model.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ch)
}
