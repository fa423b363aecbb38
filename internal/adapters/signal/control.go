package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
)

func (ctl *SignalWSController) handlePing(s *wsSession) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(s, resp)
}

// handleStart is the host's "begin now". The started frame reaches every
// client, the host included, through the lobby update.
func (ctl *SignalWSController) handleStart(ctx context.Context, s *wsSession) {
	if err := s.lobby.Start(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(s.id.UserID)).Msg("start rejected")
		ctl.sendError(s, app.ErrorCode(err))
		return
	}
	log.Info().Str("module", "signal").Str("user", string(s.id.UserID)).Str("room", string(s.room.Code)).Msg("start")
}

func (ctl *SignalWSController) handleFinish(ctx context.Context, s *wsSession) {
	if err := s.lobby.Finish(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(s.id.UserID)).Msg("finish failed")
		ctl.sendError(s, app.ErrorCode(err))
	}
}

// handleLeave gives up the seat for good and ends the session.
func (ctl *SignalWSController) handleLeave(ctx context.Context, s *wsSession) {
	if err := s.lobby.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(s.id.UserID)).Msg("leave failed")
		ctl.sendError(s, app.ErrorCode(err))
		return
	}
	ctl.sendJSON(s, struct {
		Type string `json:"type"`
	}{Type: "left"})
	log.Info().Str("module", "signal").Str("user", string(s.id.UserID)).Str("room", string(s.room.Code)).Msg("leave")
	s.cancel()
}
