package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/quizroom/internal/barrier"
	"github.com/dkeye/quizroom/internal/broadcast"
	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
	"github.com/dkeye/quizroom/internal/roster"
)

var (
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrControllerClosed = errors.New("lobby controller closed")
	ErrNotOpen          = errors.New("lobby controller not open")
)

// BroadcastChannel is the ephemeral room channel, see broadcast.Channel.
type BroadcastChannel interface {
	Join(ctx context.Context, code domain.RoomCode, self domain.UserID) (*broadcast.Handle, error)
	Publish(ctx context.Context, h *broadcast.Handle, m broadcast.Message) error
	Subscribe(h *broadcast.Handle) <-chan broadcast.Message
	Leave(h *broadcast.Handle) error
}

type LobbyConfig struct {
	MinPlayers            int
	PresenceInterval      time.Duration
	PresenceTTL           time.Duration
	RoomPollInterval      time.Duration
	ResubscribeMaxBackoff time.Duration
}

func (c LobbyConfig) withDefaults() LobbyConfig {
	if c.MinPlayers <= 0 {
		c.MinPlayers = 2
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 5 * time.Second
	}
	// a TTL at or below the heartbeat period expires every live peer
	if c.PresenceTTL <= c.PresenceInterval {
		c.PresenceTTL = 3 * c.PresenceInterval
	}
	if c.RoomPollInterval <= 0 {
		c.RoomPollInterval = 3 * time.Second
	}
	if c.ResubscribeMaxBackoff <= 0 {
		c.ResubscribeMaxBackoff = 10 * time.Second
	}
	return c
}

// Update is what a lobby view renders.
type Update struct {
	Room      domain.Room
	Roster    []roster.Entry
	Phase     barrier.Phase
	StartedAt time.Time
	CanStart  bool
	IsHost    bool
}

type Listener func(Update)

type command struct {
	run   func(ctx context.Context) error
	reply chan error
}

// LobbyController owns one user's visit to one room: the change feed,
// the broadcast handle, the roster and the start barrier. After Open all
// state is touched only by its event loop goroutine.
type LobbyController struct {
	id       domain.Identity
	gw       core.RosterGateway
	bc       BroadcastChannel
	clock    core.Clock
	cfg      LobbyConfig
	listener Listener
	logger   zerolog.Logger

	room    domain.Room
	rec     *roster.Reconciler
	bar     *barrier.Barrier
	feed    core.ChangeStream
	handle  *broadcast.Handle
	last    Update
	leaving bool
	quiet   atomic.Bool

	cmds      chan command
	done      chan struct{}
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	openOnce  sync.Once
	closeOnce sync.Once
}

func NewLobbyController(id domain.Identity, gw core.RosterGateway, bc BroadcastChannel, clock core.Clock, cfg LobbyConfig, listener Listener) *LobbyController {
	if clock == nil {
		clock = core.SystemClock
	}
	if listener == nil {
		listener = func(Update) {}
	}
	return &LobbyController{
		id:       id,
		gw:       gw,
		bc:       bc,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		listener: listener,
		logger:   log.With().Str("module", "app.lobby").Str("user", string(id.UserID)).Logger(),
		rec:      roster.NewReconciler(),
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
}

// Open enters room and starts the event loop. The feed and broadcast
// subscriptions are taken before the snapshot so no change between them
// is missed; nothing is consumed until the own participant row is
// written. On error every acquired handle is released and no membership
// is reported.
func (c *LobbyController) Open(ctx context.Context, room *domain.Room) error {
	err := ErrControllerClosed
	c.openOnce.Do(func() { err = c.open(ctx, room) })
	return err
}

func (c *LobbyController) open(ctx context.Context, room *domain.Room) (err error) {
	c.room = *room
	c.logger = c.logger.With().Str("room", string(room.Code)).Logger()

	defer func() {
		if err != nil {
			c.release()
		}
	}()

	if c.feed, err = c.gw.SubscribeParticipantChanges(ctx, room.ID); err != nil {
		return fmt.Errorf("subscribe changes: %w", err)
	}
	if c.handle, err = c.bc.Join(ctx, room.Code, c.id.UserID); err != nil {
		return fmt.Errorf("join broadcast: %w", err)
	}
	list, err := c.gw.ListParticipants(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	self, err := c.gw.UpsertParticipant(ctx, room.ID, c.id.UserID, c.id.Name, room.IsHost(c.id.UserID))
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}

	c.rec.Reset(list)
	c.rec.Apply(roster.Durable{Op: core.OpUpdate, Participant: *self})
	c.bar = barrier.New(room.ID, self.IsHost, roomWriter{c}, announcer{c}, c.clock)
	c.bar.OnRoom(room)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Go(func() { c.run(loopCtx) })
	c.logger.Info().Bool("host", self.IsHost).Int("participants", len(list)).Msg("lobby opened")
	return nil
}

func (c *LobbyController) release() {
	if c.handle != nil {
		_ = c.bc.Leave(c.handle)
		c.handle = nil
	}
	if c.feed != nil {
		_ = c.feed.Close()
		c.feed = nil
	}
}

// Close stops the loop, says goodbye on the broadcast channel and
// releases both subscriptions. Safe to call more than once.
func (c *LobbyController) Close() {
	c.closeOnce.Do(func() {
		c.openOnce.Do(func() {})
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		c.wg.Wait()
	})
}

// Handover closes the controller without the goodbye, for a session that
// a newer one of the same user replaces.
func (c *LobbyController) Handover() {
	c.quiet.Store(true)
	c.Close()
}

// Done is closed once the controller has shut down.
func (c *LobbyController) Done() <-chan struct{} { return c.done }

func (c *LobbyController) Identity() domain.Identity { return c.id }

// Elapsed is the local position inside the started activity.
func (c *LobbyController) Elapsed() time.Duration {
	if c.bar == nil {
		return 0
	}
	return c.bar.Elapsed(c.clock())
}

func (c *LobbyController) Rename(ctx context.Context, name string) error {
	return c.do(ctx, func(ctx context.Context) error {
		p, err := c.gw.RenameParticipant(ctx, c.room.ID, c.id.UserID, c.id.UserID, name)
		if err != nil {
			return err
		}
		c.id.Name = p.Name
		c.rec.Apply(roster.Durable{Op: core.OpUpdate, Participant: *p})
		c.heartbeat(ctx, true)
		return nil
	})
}

// Start runs the host start sequence once enough players are present.
func (c *LobbyController) Start(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if err := c.bar.Arm(); err != nil {
			return err
		}
		if c.bar.Phase() != barrier.Started && !c.rec.Ready(c.cfg.MinPlayers) {
			return ErrNotEnoughPlayers
		}
		_, err := c.bar.Start(ctx)
		if errors.Is(err, barrier.ErrAlreadyStarted) {
			return nil
		}
		return err
	})
}

// Finish sets the own participant's finished marker.
func (c *LobbyController) Finish(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		p, err := c.gw.MarkFinished(ctx, c.room.ID, c.id.UserID, c.clock())
		if err != nil {
			return err
		}
		c.rec.Apply(roster.Durable{Op: core.OpUpdate, Participant: *p})
		return nil
	})
}

// Leave deletes the own participant row and stops the loop after the
// goodbye. The controller is done once Leave returns nil.
func (c *LobbyController) Leave(ctx context.Context) error {
	err := c.do(ctx, func(ctx context.Context) error {
		if err := c.gw.RemoveParticipant(ctx, c.room.ID, c.id.UserID, c.id.UserID); err != nil {
			return err
		}
		c.rec.Apply(roster.Durable{Op: core.OpDelete, Participant: domain.Participant{
			RoomID:    c.room.ID,
			UserID:    c.id.UserID,
			Name:      c.id.Name,
			UpdatedAt: c.clock(),
		}})
		c.leaving = true
		return nil
	})
	if err != nil {
		return err
	}
	<-c.done
	return nil
}

func (c *LobbyController) do(ctx context.Context, fn func(context.Context) error) error {
	if c.cancel == nil {
		return ErrNotOpen
	}
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LobbyController) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()

	presence := time.NewTicker(c.cfg.PresenceInterval)
	defer presence.Stop()
	expire := time.NewTicker(c.cfg.PresenceTTL / 2)
	defer expire.Stop()
	poll := time.NewTicker(c.cfg.RoomPollInterval)
	defer poll.Stop()

	feedEvents := c.feed.Events()
	messages := c.bc.Subscribe(c.handle)
	var feedRetry, bcRetry <-chan time.Time
	feedBackoff := newBackoff(c.cfg.ResubscribeMaxBackoff)
	bcBackoff := newBackoff(c.cfg.ResubscribeMaxBackoff)

	c.heartbeat(ctx, true)
	c.emit(true)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-feedEvents:
			if !ok {
				feedEvents = nil
				c.logger.Warn().Err(c.feed.Err()).Msg("change feed ended, resubscribing")
				_ = c.feed.Close()
				feedRetry = time.After(feedBackoff.next())
				continue
			}
			c.onChange(ev)

		case m, ok := <-messages:
			if !ok {
				messages = nil
				c.logger.Warn().Err(c.handle.Err()).Msg("broadcast ended, rejoining")
				_ = c.bc.Leave(c.handle)
				bcRetry = time.After(bcBackoff.next())
				continue
			}
			c.onMessage(m)

		case <-feedRetry:
			feedRetry = nil
			if err := c.resubscribe(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("resubscribe failed")
				feedRetry = time.After(feedBackoff.next())
				continue
			}
			feedBackoff.reset()
			feedEvents = c.feed.Events()

		case <-bcRetry:
			bcRetry = nil
			h, err := c.bc.Join(ctx, c.room.Code, c.id.UserID)
			if err != nil {
				c.logger.Warn().Err(err).Msg("broadcast rejoin failed")
				bcRetry = time.After(bcBackoff.next())
				continue
			}
			bcBackoff.reset()
			c.handle = h
			messages = c.bc.Subscribe(h)
			c.heartbeat(ctx, true)

		case <-presence.C:
			c.heartbeat(ctx, true)

		case <-expire.C:
			c.rec.Apply(roster.Expire{Now: c.clock(), TTL: c.cfg.PresenceTTL})
			c.emit(false)

		case <-poll.C:
			c.refreshRoom(ctx)

		case cmd := <-c.cmds:
			err := cmd.run(ctx)
			cmd.reply <- err
			if c.leaving {
				c.logger.Info().Msg("left room")
				return
			}
			c.emit(false)
		}
	}
}

func (c *LobbyController) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c.handle != nil && !c.quiet.Load() {
		if err := c.bc.Publish(ctx, c.handle, c.presence(false)); err != nil {
			c.logger.Debug().Err(err).Msg("goodbye not sent")
		}
	}
	c.release()
	c.logger.Info().Msg("lobby closed")
}

func (c *LobbyController) onChange(ev core.ChangeEvent) {
	if ev.Participant.RoomID != c.room.ID {
		return
	}
	c.rec.Apply(roster.Durable{Op: ev.Op, Participant: ev.Participant})
	c.emit(false)
}

func (c *LobbyController) onMessage(m broadcast.Message) {
	switch m := m.(type) {
	case broadcast.Presence:
		c.rec.Apply(roster.Presence{UserID: m.UserID, Name: m.Name, IsHost: m.IsHost, Live: m.Live, At: m.SentAt})
	case broadcast.Start:
		if c.bar.OnSignal(m.StartedAt) {
			c.logger.Info().Time("t0", m.StartedAt).Msg("start signal received")
			if c.room.Status == domain.StatusLobby {
				t0 := m.StartedAt
				c.room.Status = domain.StatusPlaying
				c.room.StartedAt = &t0
			}
		}
	}
	c.emit(false)
}

func (c *LobbyController) resubscribe(ctx context.Context) error {
	feed, err := c.gw.SubscribeParticipantChanges(ctx, c.room.ID)
	if err != nil {
		return err
	}
	list, err := c.gw.ListParticipants(ctx, c.room.ID)
	if err != nil {
		_ = feed.Close()
		return err
	}
	c.feed = feed
	c.rec.Reset(list)
	c.logger.Info().Int("participants", len(list)).Msg("change feed resubscribed")
	c.emit(false)
	return nil
}

// refreshRoom re-reads the room record; a room found playing starts the
// barrier from the stored origin when the start broadcast was missed.
func (c *LobbyController) refreshRoom(ctx context.Context) {
	room, err := c.gw.GetRoom(ctx, c.room.ID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("room refresh failed")
		return
	}
	c.room = *room
	if c.bar.OnRoom(room) {
		c.logger.Info().Msg("started from stored room status")
	}
	c.emit(false)
}

func (c *LobbyController) presence(live bool) broadcast.Presence {
	return broadcast.Presence{
		UserID: c.id.UserID,
		Name:   c.id.Name,
		IsHost: c.room.IsHost(c.id.UserID),
		Live:   live,
		SentAt: c.clock(),
	}
}

func (c *LobbyController) heartbeat(ctx context.Context, live bool) {
	p := c.presence(live)
	c.rec.Apply(roster.Presence{UserID: p.UserID, Name: p.Name, IsHost: p.IsHost, Live: p.Live, At: p.SentAt})
	if c.handle == nil {
		return
	}
	if err := c.bc.Publish(ctx, c.handle, p); err != nil {
		c.logger.Debug().Err(err).Msg("presence not sent")
	}
}

func (c *LobbyController) snapshot() Update {
	u := Update{
		Room:     c.room,
		Roster:   c.rec.Roster(),
		Phase:    c.bar.Phase(),
		IsHost:   c.room.IsHost(c.id.UserID),
		CanStart: c.room.IsHost(c.id.UserID) && c.room.Status == domain.StatusLobby && c.rec.Ready(c.cfg.MinPlayers),
	}
	if t0, err := c.bar.Origin(); err == nil {
		u.StartedAt = t0
	}
	return u
}

// emit notifies the listener when something it renders has changed.
func (c *LobbyController) emit(force bool) {
	u := c.snapshot()
	if !force && sameView(c.last, u) {
		return
	}
	c.last = u
	c.listener(u)
}

func sameView(a, b Update) bool {
	if a.Room.Status != b.Room.Status || a.Phase != b.Phase || !a.StartedAt.Equal(b.StartedAt) ||
		a.CanStart != b.CanStart || a.IsHost != b.IsHost || len(a.Roster) != len(b.Roster) {
		return false
	}
	for i := range a.Roster {
		x, y := a.Roster[i], b.Roster[i]
		if x.UserID != y.UserID || x.Name != y.Name || x.IsHost != y.IsHost ||
			x.Live != y.Live || x.Finished != y.Finished || x.Durable != y.Durable {
			return false
		}
	}
	return true
}

// roomWriter records the stored room as the barrier persists the start.
type roomWriter struct{ c *LobbyController }

func (w roomWriter) SetRoomStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus, at time.Time) (*domain.Room, error) {
	room, err := w.c.gw.SetRoomStatus(ctx, id, status, at)
	if err != nil {
		return nil, err
	}
	w.c.room = *room
	return room, nil
}

type announcer struct{ c *LobbyController }

func (a announcer) AnnounceStart(ctx context.Context, t0 time.Time) error {
	if a.c.handle == nil {
		return broadcast.ErrHandleClosed
	}
	return a.c.bc.Publish(ctx, a.c.handle, broadcast.Start{StartedAt: t0})
}

type backoff struct {
	cur, max time.Duration
}

func newBackoff(max time.Duration) *backoff {
	return &backoff{max: max}
}

func (b *backoff) next() time.Duration {
	switch {
	case b.cur == 0:
		b.cur = 100 * time.Millisecond
	case b.cur < b.max:
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }
