package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

// RedisBus maps topics to Redis pub/sub channels under a key prefix.
type RedisBus struct {
	client *redis.Client
	prefix string
	buffer int
}

func NewRedisBus(client *redis.Client, prefix string, buffer int) *RedisBus {
	if client == nil {
		panic("redis client cannot be nil for RedisBus")
	}
	if prefix == "" {
		prefix = "qr:"
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &RedisBus{client: client, prefix: prefix, buffer: buffer}
}

func (b *RedisBus) channel(topic string) string { return b.prefix + topic }

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", b.channel(topic), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (core.Subscription, error) {
	ch := b.channel(topic)
	ps := b.client.Subscribe(ctx, ch)
	// Wait for the subscribe confirmation so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %v: %w", ch, err, domain.ErrTransientChannel)
	}

	s := &redisSub{
		ps:   ps,
		out:  make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}
	go s.pump(ctx, ch, b.buffer)
	return s, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// pump forwards payloads until the subscription ends. go-redis silently
// resubscribes after a dropped connection; anything published during the
// gap is lost, so a repeated subscribe confirmation ends the subscription
// with domain.ErrTransientChannel and lets the owner resync.
func (s *redisSub) pump(ctx context.Context, ch string, size int) {
	logger := log.With().Str("module", "pubsub.redis").Str("channel", ch).Logger()
	defer close(s.out)

	in := s.ps.ChannelWithSubscriptions(ctx, size)
	for {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		case raw, ok := <-in:
			if !ok {
				s.finish(domain.ErrTransientChannel)
				return
			}
			switch m := raw.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					logger.Warn().Msg("resubscribed after disconnect, ending subscription")
					s.finish(domain.ErrTransientChannel)
					return
				}
			case *redis.Message:
				select {
				case s.out <- []byte(m.Payload):
				case <-ctx.Done():
					s.finish(ctx.Err())
					return
				case <-s.done:
					return
				}
			}
		}
	}
}

// finish records the first cause; an explicit Close wins and reports nil.
func (s *redisSub) finish(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = cause
	}
	_ = s.ps.Close()
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.err
}

func (s *redisSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	// The pump may already have closed ps on disconnect.
	_ = s.ps.Close()
	return nil
}
