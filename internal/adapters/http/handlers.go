package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
	"github.com/dkeye/quizroom/internal/domain"
)

type handlers struct {
	lobby    *app.LobbyService
	sessions *app.Registry
}

type nameRequest struct {
	Name string `json:"name"`
}

type roomRequest struct {
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings"`
}

type roomResponse struct {
	Code    domain.RoomCode   `json:"code"`
	Status  domain.RoomStatus `json:"status"`
	Version domain.VersionTag `json:"version"`
	IsHost  bool              `json:"isHost"`
}

type participantDTO struct {
	UserID   domain.UserID `json:"userId"`
	Name     string        `json:"name"`
	IsHost   bool          `json:"isHost"`
	Finished bool          `json:"finished"`
}

func statusOf(code string) int {
	switch code {
	case app.CodeRoomNotFound:
		return http.StatusNotFound
	case app.CodeInvalidCode, app.CodeInvalidName, app.CodeBadPayload:
		return http.StatusBadRequest
	case app.CodeForbidden:
		return http.StatusForbidden
	case app.CodeTryAgain:
		return http.StatusServiceUnavailable
	case app.CodeConflict, app.CodeNotEnoughPlayers:
		return http.StatusConflict
	case app.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := app.ErrorCode(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

// identity builds the acting user from the client token and the display
// name kept in the session. It writes the error response itself.
func (h *handlers) identity(c *gin.Context) (domain.Identity, bool) {
	name, _ := sessions.Default(c).Get(sessionNameKey).(string)
	id, err := domain.NewIdentity(domain.UserID(c.GetString(clientTokenKey)), name)
	if err != nil {
		h.fail(c, err)
		return domain.Identity{}, false
	}
	return id, true
}

// adoptName reads an optional room request body and stores its name
// before use.
func (h *handlers) adoptName(c *gin.Context) (roomRequest, bool) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": app.CodeBadPayload})
		return req, false
	}
	if req.Name == "" {
		return req, true
	}
	return req, h.saveName(c, req.Name)
}

func (h *handlers) saveName(c *gin.Context, raw string) bool {
	name, err := domain.NormalizeName(raw)
	if err != nil {
		h.fail(c, err)
		return false
	}
	s := sessions.Default(c)
	s.Set(sessionNameKey, name)
	if err := s.Save(); err != nil {
		h.fail(c, err)
		return false
	}
	return true
}

func (h *handlers) getMe(c *gin.Context) {
	name, _ := sessions.Default(c).Get(sessionNameKey).(string)
	c.JSON(http.StatusOK, gin.H{"id": c.GetString(clientTokenKey), "name": name})
}

func (h *handlers) putMe(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": app.CodeBadPayload})
		return
	}
	if !h.saveName(c, req.Name) {
		return
	}
	h.getMe(c)
}

func (h *handlers) createRoom(c *gin.Context) {
	req, ok := h.adoptName(c)
	if !ok {
		return
	}
	id, ok := h.identity(c)
	if !ok {
		return
	}
	room, _, err := h.lobby.CreateRoom(c.Request.Context(), id, req.Settings)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, roomResponse{Code: room.Code, Status: room.Status, Version: room.Version, IsHost: true})
}

func (h *handlers) joinRoom(c *gin.Context) {
	if _, ok := h.adoptName(c); !ok {
		return
	}
	id, ok := h.identity(c)
	if !ok {
		return
	}
	room, p, err := h.lobby.JoinRoom(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse{Code: room.Code, Status: room.Status, Version: room.Version, IsHost: p.IsHost})
}

func (h *handlers) getRoom(c *gin.Context) {
	room, list, err := h.lobby.View(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]participantDTO, 0, len(list))
	for _, p := range list {
		out = append(out, participantDTO{UserID: p.UserID, Name: p.Name, IsHost: p.IsHost, Finished: p.Finished()})
	}
	resp := gin.H{
		"code":         room.Code,
		"status":       room.Status,
		"version":      room.Version,
		"settings":     room.Settings,
		"participants": out,
	}
	if origin, ok := room.StartOrigin(); ok {
		resp["startedAt"] = origin.UnixMilli()
	}
	c.JSON(http.StatusOK, resp)
}

// leaveRoom gives up the caller's seat. A live lobby on this node leaves
// through its controller so peers see the goodbye.
func (h *handlers) leaveRoom(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	room, err := h.lobby.Resolve(ctx, c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	live := false
	if h.sessions != nil {
		live, err = h.sessions.Leave(ctx, app.SessionKey{User: id.UserID, Room: room.ID})
	}
	if !live && err == nil {
		err = h.lobby.Leave(ctx, id, string(room.Code))
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
