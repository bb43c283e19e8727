package bus

import (
	"context"
	"sync"
)

// LocalBus delivers in process. Handlers run synchronously on the
// publisher's goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextId   int
	closed   bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(d)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextId
	b.nextId++
	b.handlers[id] = h

	return &localSubscription{bus: b, id: id}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}

type localSubscription struct {
	bus  *LocalBus
	id   int
	once sync.Once
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers, s.id)
		s.bus.mu.Unlock()
	})
	return nil
}
