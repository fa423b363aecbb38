package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
)

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.Limits.PingPeriod > 0 {
		return ctl.Limits.PingPeriod
	}
	return 54 * time.Second
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, s *wsSession) {
	uid := string(s.id.UserID)
	defer func() {
		log.Info().Str("module", "signal").Str("user", uid).Msg("readPump closing")
		s.cancel()
		s.lobby.Close()
		ctl.Sessions.Unbind(app.SessionKey{User: s.id.UserID, Room: s.room.ID}, s.lobby)
		s.conn.Close()
	}()

	wait := ctl.pingPeriod() * 10 / 9
	_ = s.conn.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.conn.SetPongHandler(func(string) error {
		return s.conn.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("user", uid).Msg("readPump ctx done")
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("user", uid).Msg("readPump read error")
				}
				return
			}
			_ = s.conn.conn.SetReadDeadline(time.Now().Add(wait))
			ctl.handleSignal(ctx, s, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *wsSession, data []byte) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(s.id.UserID) {
		ctl.sendError(s, app.CodeRateLimited)
		return
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(s, app.CodeBadPayload)
		return
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(s)
	case "rename":
		ctl.handleRename(ctx, s, data)
	case "start":
		ctl.handleStart(ctx, s)
	case "finish":
		ctl.handleFinish(ctx, s)
	case "leave":
		ctl.handleLeave(ctx, s)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(s, app.CodeBadPayload)
	}
}

func (ctl *SignalWSController) sendJSON(s *wsSession, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = s.conn.TrySend(b)
}

func (ctl *SignalWSController) sendError(s *wsSession, code string) {
	ctl.sendJSON(s, errorFrame{Type: "error", Error: code})
}
