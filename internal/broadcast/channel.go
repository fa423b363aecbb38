// Package broadcast is the ephemeral, per-room message path: presence
// heartbeats and the host's start signal. Nothing is stored or replayed.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

var ErrHandleClosed = errors.New("broadcast handle closed")

func Topic(code domain.RoomCode) string {
	return "room:" + string(code)
}

type Channel struct {
	bus    core.Bus
	buffer int
}

func NewChannel(bus core.Bus, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 32
	}
	return &Channel{bus: bus, buffer: buffer}
}

// Handle is one participant's membership of a room channel.
type Handle struct {
	code  domain.RoomCode
	self  domain.UserID
	sub   core.Subscription
	out   chan Message
	once  sync.Once
	ended chan struct{}
}

func (h *Handle) Code() domain.RoomCode { return h.code }

// Err reports why the handle's stream ended, nil after Leave.
func (h *Handle) Err() error { return h.sub.Err() }

// Join subscribes self to the room channel. Messages published by self are
// not delivered back.
func (c *Channel) Join(ctx context.Context, code domain.RoomCode, self domain.UserID) (*Handle, error) {
	sub, err := c.bus.Subscribe(ctx, Topic(code))
	if err != nil {
		return nil, fmt.Errorf("broadcast join %s: %w", code, err)
	}
	h := &Handle{
		code:  code,
		self:  self,
		sub:   sub,
		out:   make(chan Message, c.buffer),
		ended: make(chan struct{}),
	}
	go h.pump()
	log.Debug().Str("module", "broadcast").Str("room", string(code)).Str("user", string(self)).Msg("joined")
	return h, nil
}

func (h *Handle) pump() {
	logger := log.With().Str("module", "broadcast").Str("room", string(h.code)).Logger()
	defer close(h.out)
	for data := range h.sub.Messages() {
		from, msg, err := Decode(data)
		if err != nil {
			logger.Debug().Err(err).Msg("dropped message")
			continue
		}
		if from == h.self {
			continue
		}
		select {
		case h.out <- msg:
		case <-h.ended:
			return
		}
	}
	if err := h.sub.Err(); err != nil {
		logLevel(logger, err).Err(err).Msg("subscription ended")
	}
}

func logLevel(l zerolog.Logger, err error) *zerolog.Event {
	if errors.Is(err, context.Canceled) {
		return l.Debug()
	}
	return l.Warn()
}

func (c *Channel) Publish(ctx context.Context, h *Handle, m Message) error {
	select {
	case <-h.ended:
		return ErrHandleClosed
	default:
	}
	data, err := Encode(h.self, m)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, Topic(h.code), data); err != nil {
		return fmt.Errorf("broadcast publish %s: %w", m.Kind(), err)
	}
	return nil
}

// Subscribe returns the handle's message stream. It is closed when the
// handle ends and cannot be restarted; join again instead.
func (c *Channel) Subscribe(h *Handle) <-chan Message { return h.out }

func (c *Channel) Leave(h *Handle) error {
	h.once.Do(func() { close(h.ended) })
	return h.sub.Close()
}
