// Package pubsub provides core.Bus implementations: Redis for multi-node
// deployments and an in-process bus for single-node mode and tests.
package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

var ErrBusClosed = errors.New("bus closed")

// MemoryBus fans payloads out to in-process subscribers. A subscriber whose
// buffer is full misses the payload, like a slow peer on a real broker.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		topics: make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.topics[topic] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case s.ch <- data:
		default:
			log.Debug().Str("module", "pubsub.memory").Str("topic", topic).Msg("subscriber buffer full, dropped")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (core.Subscription, error) {
	s := &memorySub{
		bus:    b,
		topic:  topic,
		ch:     make(chan []byte, b.buffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.end(ctx.Err())
		case <-s.closed:
		}
	}()
	return s, nil
}

// Disconnect ends every subscription on topic with domain.ErrTransientChannel,
// as a dropped broker connection would.
func (b *MemoryBus) Disconnect(topic string) {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.end(domain.ErrTransientChannel)
	}
}

// Subscribers reports the number of open subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySub
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.end(ErrBusClosed)
	}
	return nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan []byte

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

func (s *memorySub) end(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		// Unregister first so no publisher can still be sending on ch.
		s.bus.remove(s)
		close(s.ch)
		close(s.closed)
	})
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.end(nil)
	return nil
}
