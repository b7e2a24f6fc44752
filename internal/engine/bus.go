package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Event string

const (
	EventInstall           Event = "install"
	EventActivate          Event = "activate"
	EventFetch             Event = "fetch"
	EventPush              Event = "push"
	EventNotificationClick Event = "notificationclick"
	EventMessage           Event = "message"
	EventSync              Event = "sync"
)

var ErrNoHandler = errors.New("no handler registered")

// HandlerFunc handles one event. It gets the shared process state and the
// event payload and returns the event's result.
type HandlerFunc func(ctx context.Context, s *State, payload any) (any, error)

// Bus dispatches events to their handlers. Events of different kinds may be
// emitted concurrently.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event]HandlerFunc
}

func NewBus() *Bus {
	return &Bus{handlers: map[Event]HandlerFunc{}}
}

// On registers h for ev, replacing any previous handler.
func (b *Bus) On(ev Event, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[ev] = h
}

func (b *Bus) Emit(ctx context.Context, s *State, ev Event, payload any) (any, error) {
	b.mu.RLock()
	h, ok := b.handlers[ev]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, ev)
	}
	return h(ctx, s, payload)
}

// payloadAs asserts an event payload to the type its handler expects.
func payloadAs[T any](ev Event, payload any) (T, error) {
	v, ok := payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected payload %T", ev, payload)
	}
	return v, nil
}
