// Package signal is the websocket side of a lobby visit: one connection
// drives one app.LobbyController and receives its roster updates.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// LobbyFactory builds the controller for one visit; listener receives
// its updates on the controller's loop goroutine.
type LobbyFactory func(id domain.Identity, listener app.Listener) *app.LobbyController

type Limits struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	NewLobby LobbyFactory
	Sessions *app.Registry
	Policy   app.Policy
	Limiter  *UserRateLimiter
	Limits   Limits
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSession is the state of one websocket visit.
type wsSession struct {
	id     domain.Identity
	room   *domain.Room
	conn   *WsSignalConn
	lobby  *app.LobbyController
	cancel context.CancelFunc
}

// HandleSignal upgrades the request and runs the lobby for id in room
// until the socket closes, a newer session replaces it or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, id domain.Identity, room *domain.Room) {
	logger := log.With().Str("module", "signal").Str("user", string(id.UserID)).Str("room", string(room.Code)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.Limits.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Limits.ReadLimit)
	}
	buf := ctl.Limits.SendBuffer
	if buf <= 0 {
		buf = 32
	}
	conn := &WsSignalConn{conn: ws, send: make(chan core.Frame, buf)}

	connCtx, cancel := context.WithCancel(ctx)
	view := newLobbyView(conn, id.UserID, ctl.Policy, cancel)
	lobby := ctl.NewLobby(id, view.render)
	if err := lobby.Open(connCtx, room); err != nil {
		logger.Error().Err(err).Msg("lobby open")
		_ = ws.WriteJSON(errorFrame{Type: "error", Error: app.ErrorCode(err)})
		cancel()
		conn.Close()
		return
	}

	s := &wsSession{id: id, room: room, conn: conn, lobby: lobby, cancel: cancel}
	ctl.Sessions.Bind(app.SessionKey{User: id.UserID, Room: room.ID}, lobby, cancel)

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, s)
}
