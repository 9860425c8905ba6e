package feedsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Lifecycle Signals
// ============================================================================

// LifecycleEvent is a host lifecycle signal that drives presence.
type LifecycleEvent string

const (
	LifecycleVisible  LifecycleEvent = "visible"
	LifecycleHidden   LifecycleEvent = "hidden"
	LifecyclePageHide LifecycleEvent = "pagehide"
	LifecycleFreeze   LifecycleEvent = "freeze"
	LifecycleResume   LifecycleEvent = "resume"
	LifecycleUnload   LifecycleEvent = "unload"
)

// Online reports the presence the event implies.
func (e LifecycleEvent) Online() bool {
	return e == LifecycleVisible || e == LifecycleResume
}

// LifecycleHandler handles lifecycle events.
type LifecycleHandler func(event LifecycleEvent)

// LifecycleSource delivers host lifecycle signals. The returned function
// removes the subscription.
type LifecycleSource interface {
	Subscribe(h LifecycleHandler) (unsubscribe func())
}

// ============================================================================
// LifecycleBus
// ============================================================================

// LifecycleBus is an in-process LifecycleSource. Hosts call Emit when their
// visibility changes.
type LifecycleBus struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]LifecycleHandler
	log       zerolog.Logger
}

var _ LifecycleSource = (*LifecycleBus)(nil)

func NewLifecycleBus() *LifecycleBus {
	return &LifecycleBus{listeners: make(map[int]LifecycleHandler), log: zerolog.Nop()}
}

// WithLogger sets the logger that reports handler panics.
func (b *LifecycleBus) WithLogger(log zerolog.Logger) *LifecycleBus {
	b.log = log.With().Str("component", "lifecycle").Logger()
	return b
}

func (b *LifecycleBus) Subscribe(h LifecycleHandler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers event to every subscriber. A panicking handler is logged and
// the remaining handlers still run.
func (b *LifecycleBus) Emit(event LifecycleEvent) {
	b.mu.RLock()
	handlers := make([]LifecycleHandler, 0, len(b.listeners))
	for _, h := range b.listeners {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event", string(event)).Msg("lifecycle handler panicked")
				}
			}()
			h(event)
		}()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *LifecycleBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
