// Package events provides a minimal typed publish/subscribe bus shared by
// Discovery (peer:connect / peer:disconnect) and the PoC Verifier
// (poc_verified / poc_failed). A handler that panics or takes too long
// must never affect the result of the operation that published the
// event, or any other registered handler (base spec §4.8).
package events

import (
	"sync"

	"github.com/dws-network/dws-core/internal/log"
)

// Event is a named payload emitted by a subsystem.
type Event struct {
	Name string
	Data any
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine but are individually recovered, so a throwing handler never
// prevents delivery to the remaining handlers.
type Handler func(Event)

// Bus is a concurrency-safe multi-listener event emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *log.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Module("events")
	}
	return &Bus{logger: logger}
}

// OnEvent registers a handler invoked for every published event.
func (b *Bus) OnEvent(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit publishes an event to every registered handler. Each handler is
// invoked in isolation: a panic is recovered and logged, never
// propagated to the caller or to other handlers.
func (b *Bus) Emit(name string, data any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	evt := Event{Name: name, Data: data}
	for _, h := range handlers {
		b.invokeIsolated(h, evt)
	}
}

func (b *Bus) invokeIsolated(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", evt.Name, "recover", r)
		}
	}()
	h(evt)
}
