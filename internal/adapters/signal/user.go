package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
)

func (ctl *SignalWSController) handleRename(ctx context.Context, s *wsSession, data []byte) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(s, app.CodeBadPayload)
		return
	}

	if err := s.lobby.Rename(ctx, p.Name); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(s.id.UserID)).Msg("rename failed")
		ctl.sendError(s, app.ErrorCode(err))
		return
	}
	log.Info().Str("module", "signal").Str("user", string(s.id.UserID)).Str("name", p.Name).Msg("rename")
	ctl.sendJSON(s, struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}{"whoami", s.lobby.Identity().Name})
}
