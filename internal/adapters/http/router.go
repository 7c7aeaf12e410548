package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/cctv/internal/adapters/sink"
	"github.com/dkeye/cctv/internal/adapters/ws"
	"github.com/dkeye/cctv/internal/app/orch"
	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/config"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionLastReconnect = "last_reconnect"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type statsReporter interface {
	Stats() sink.Stats
}

type API struct {
	Orch    *orch.Orchestrator
	Hub     *ws.Hub
	Limiter *ws.RateLimiter
}

func SetupRouter(ctx context.Context, cfg *config.Config, api *API) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CCTVSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Int("streams", len(cfg.Streams)).Msg("router setup")

	g := r.Group("/api")
	g.GET("/streams", api.listStreams)
	g.GET("/streams/:id", api.getStream)
	g.GET("/streams/:id/stats", api.getStats)
	g.POST("/streams/:id/reconnect", api.reconnect)

	g.GET("/ws/status", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws status endpoint hit")
		api.Hub.Handle(ctx, c.Writer, c.Request, c.GetString("client_token"))
	})

	return r
}

func (a *API) listStreams(c *gin.Context) {
	out := make([]*ws.StatusFrame, 0)
	for _, st := range a.Orch.List() {
		out = append(out, ws.NewStatusFrame(st))
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getStream(c *gin.Context) {
	st, ok := a.Orch.Status(domain.StreamID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": orch.ErrUnknownStream.Error()})
		return
	}
	c.JSON(http.StatusOK, ws.NewStatusFrame(st))
}

func (a *API) getStats(c *gin.Context) {
	ctl, ok := a.Orch.Controller(domain.StreamID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": orch.ErrUnknownStream.Error()})
		return
	}
	rep, ok := ctl.Sink().(statsReporter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stats not available"})
		return
	}
	c.JSON(http.StatusOK, rep.Stats())
}

func (a *API) reconnect(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	token := c.GetString("client_token")

	if !a.Limiter.Allow(token) {
		log.Warn().Str("module", "adapters.http").Str("ct", token).Str("stream", string(id)).Msg("reconnect rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many reconnect requests"})
		return
	}

	err := a.Orch.Reconnect(id)
	switch {
	case errors.Is(err, orch.ErrUnknownStream):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, session.ErrDisposed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionLastReconnect, string(id))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}

	st, _ := a.Orch.Status(id)
	c.JSON(http.StatusAccepted, ws.NewStatusFrame(st))
}
