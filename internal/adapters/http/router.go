package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/adapters/signal"
	"github.com/dkeye/quizroom/internal/app"
	"github.com/dkeye/quizroom/internal/config"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionName       = "QuizroomSessions"
	sessionNameKey    = "name"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a stable anonymous user id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if _, err := uuid.Parse(token); err != nil {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*30, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

type Deps struct {
	Lobby  *app.LobbyService
	Signal *signal.SignalWSController
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if origins := splitOrigins(cfg.CORSAllowed); len(origins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowCredentials = true
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type"}
		corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
		corsCfg.AllowOrigins = origins
		r.Use(cors.New(corsCfg))
	}

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 30, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{lobby: deps.Lobby}
	if deps.Signal != nil {
		h.sessions = deps.Signal.Sessions
	}
	api := r.Group("/api")
	api.GET("/me", h.getMe)
	api.PUT("/me", h.putMe)
	api.POST("/rooms", h.createRoom)
	api.POST("/rooms/:code/join", h.joinRoom)
	api.GET("/rooms/:code", h.getRoom)
	api.DELETE("/rooms/:code/me", h.leaveRoom)

	api.GET("/rooms/:code/ws", func(c *gin.Context) {
		id, ok := h.identity(c)
		if !ok {
			return
		}
		room, err := deps.Lobby.Resolve(c.Request.Context(), c.Param("code"))
		if err != nil {
			h.fail(c, err)
			return
		}
		log.Info().Str("module", "adapters.http").Str("user", string(id.UserID)).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c, id, room)
	})

	return r
}
