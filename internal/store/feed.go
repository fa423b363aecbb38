package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

func changeTopic(room domain.RoomID) string {
	return "participants:" + strconv.FormatUint(uint64(room), 10)
}

// publishChange announces a committed write. The row is already durable,
// so a failed publish is reported in the log and not to the writer;
// subscribers recover through their periodic snapshot.
func (g *Gateway) publishChange(ctx context.Context, op core.ChangeOp, p domain.Participant) {
	payload, err := json.Marshal(core.ChangeEvent{Op: op, Participant: p})
	if err != nil {
		log.Error().Err(err).Str("module", "store").Msg("encode change event")
		return
	}
	if err := g.bus.Publish(context.WithoutCancel(ctx), changeTopic(p.RoomID), payload); err != nil {
		log.Error().Err(err).Str("module", "store").
			Uint("room", uint(p.RoomID)).
			Str("user", string(p.UserID)).
			Str("op", string(op)).
			Msg("change event not published")
	}
}

type changeStream struct {
	sub    core.Subscription
	room   domain.RoomID
	out    chan core.ChangeEvent
	closed chan struct{}
	once   sync.Once
}

func newChangeStream(sub core.Subscription, room domain.RoomID) *changeStream {
	s := &changeStream{
		sub:    sub,
		room:   room,
		out:    make(chan core.ChangeEvent, 32),
		closed: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *changeStream) pump() {
	defer close(s.out)
	for payload := range s.sub.Messages() {
		var ev core.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Debug().Err(err).Str("module", "store").Msg("malformed change event dropped")
			continue
		}
		if ev.Participant.RoomID != s.room {
			continue
		}
		select {
		case s.out <- ev:
		case <-s.closed:
			return
		}
	}
}

func (s *changeStream) Events() <-chan core.ChangeEvent { return s.out }

func (s *changeStream) Err() error { return s.sub.Err() }

func (s *changeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.sub.Close()
}
