// Package barrier coordinates the moment a room starts. Every session
// converges on one origin t0 chosen by the host, whether it learns of it
// from the start broadcast or from the stored room record.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

type Phase int

const (
	Idle Phase = iota
	Armed
	Started
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Started:
		return "started"
	}
	return "unknown"
}

var ErrAlreadyStarted = errors.New("barrier: already started")

// StatusWriter persists the playing transition.
type StatusWriter interface {
	SetRoomStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus, at time.Time) (*domain.Room, error)
}

// Announcer sends the start signal to the rest of the room.
type Announcer interface {
	AnnounceStart(ctx context.Context, t0 time.Time) error
}

type Barrier struct {
	mu     sync.Mutex
	phase  Phase
	origin time.Time

	room     domain.RoomID
	isHost   bool
	store    StatusWriter
	announce Announcer
	clock    core.Clock
	logger   zerolog.Logger
}

func New(room domain.RoomID, isHost bool, store StatusWriter, announce Announcer, clock core.Clock) *Barrier {
	if clock == nil {
		clock = core.SystemClock
	}
	return &Barrier{
		room:     room,
		isHost:   isHost,
		store:    store,
		announce: announce,
		clock:    clock,
		logger:   log.With().Str("module", "barrier").Uint("room", uint(room)).Logger(),
	}
}

func (b *Barrier) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Arm records the host's intent to start.
func (b *Barrier) Arm() error {
	if !b.isHost {
		return domain.ErrPermission
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == Idle {
		b.phase = Armed
	}
	return nil
}

// Start runs the host start sequence: pick t0, persist the playing
// status, then announce. The stored origin is authoritative, so a room
// started earlier by another session of the same host keeps its t0.
// An announce failure is logged only; peers fall back to the stored room.
func (b *Barrier) Start(ctx context.Context) (time.Time, error) {
	if !b.isHost {
		return time.Time{}, domain.ErrPermission
	}
	b.mu.Lock()
	if b.phase == Started {
		t0 := b.origin
		b.mu.Unlock()
		return t0, ErrAlreadyStarted
	}
	b.phase = Armed
	b.mu.Unlock()

	t0 := b.clock()
	room, err := b.store.SetRoomStatus(ctx, b.room, domain.StatusPlaying, t0)
	if err != nil {
		return time.Time{}, fmt.Errorf("barrier: persist start: %w", err)
	}
	if origin, ok := room.StartOrigin(); ok {
		t0 = origin
	}

	if err := b.announce.AnnounceStart(ctx, t0); err != nil {
		b.logger.Warn().Err(err).Msg("start broadcast failed, peers will follow the stored room")
	}

	b.OnSignal(t0)
	b.logger.Info().Time("t0", t0).Msg("room started by host")
	return b.Origin()
}

// OnSignal moves to Started with origin t0. It reports whether this call
// made the transition; later signals never move the origin.
func (b *Barrier) OnSignal(t0 time.Time) bool {
	if t0.IsZero() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == Started {
		return false
	}
	b.phase = Started
	b.origin = t0
	return true
}

// OnRoom is the durable fallback: a room observed as playing with a
// recorded origin starts the barrier as a signal would.
func (b *Barrier) OnRoom(room *domain.Room) bool {
	if room == nil || room.ID != b.room {
		return false
	}
	t0, ok := room.StartOrigin()
	if !ok {
		return false
	}
	return b.OnSignal(t0)
}

func (b *Barrier) Origin() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != Started {
		return time.Time{}, fmt.Errorf("barrier: not started (%s)", b.phase)
	}
	return b.origin, nil
}

// Elapsed is now - t0, the position inside the timed activity. Zero
// before start.
func (b *Barrier) Elapsed(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != Started {
		return 0
	}
	return now.Sub(b.origin)
}
