// Package bridge relays published events across server instances so a
// session connected to process B receives events raised on process A.
package bridge

import (
	"context"
	"sync"

	"github.com/tillstream/tillstream/pkg/realtime/event"
)

// Frame is one relayed event, tagged with the originating instance so
// subscribers can discard their own frames and avoid relay loops.
type Frame struct {
	Origin   string      `json:"origin"`
	TenantID string      `json:"tenant_id"`
	Event    event.Event `json:"event"`
}

// Handler consumes frames delivered by the bridge, including frames this
// instance published itself; origin filtering is the handler's duty.
type Handler func(frame Frame)

// Bridge is the cross-instance relay contract. Delivery is at-least-once.
type Bridge interface {
	Publish(ctx context.Context, frame Frame) error
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
	Close() error
}

// Subscription represents a cancelable bridge subscription.
type Subscription interface {
	Close() error
}

// Memory is a process-local bridge used for tests and single-node dev.
// Wiring two publishers to one Memory bridge simulates two instances.
type Memory struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
}

// NewMemory creates an in-process bridge.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[uint64]Handler)}
}

// Publish delivers the frame to every subscriber synchronously.
func (b *Memory) Publish(_ context.Context, frame Frame) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(frame)
	}
	return nil
}

// Subscribe registers a frame handler.
func (b *Memory) Subscribe(_ context.Context, handler Handler) (Subscription, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()

	return &memorySubscription{closeFn: func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}}, nil
}

// Close is a no-op for the in-memory bridge.
func (b *Memory) Close() error {
	return nil
}

type memorySubscription struct {
	once    sync.Once
	closeFn func()
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.closeFn)
	return nil
}
