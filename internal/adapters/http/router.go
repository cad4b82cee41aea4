package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/adapters/signal"
	"github.com/dkeye/Verify/internal/app/orch"
	"github.com/dkeye/Verify/internal/config"
	"github.com/dkeye/Verify/internal/domain"
)

const (
	userKey      = "user_id"
	userIDHeader = "X-User-ID"
)

// IdentityMiddleware takes the caller id from the X-User-ID header set by
// the auth layer and remembers it in the cookie session, so follow-up
// requests (the SSE stream, the signaling socket) may carry only the
// cookie.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		if raw := c.GetHeader(userIDHeader); raw != "" {
			uid, err := domain.ParseUserID(raw)
			if err != nil {
				abortWithError(c, err)
				return
			}
			if prev, _ := sess.Get(userKey).(string); prev != string(uid) {
				sess.Set(userKey, string(uid))
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("save identity session")
				}
			}
			c.Set(userKey, string(uid))
		} else if uid, ok := sess.Get(userKey).(string); ok && uid != "" {
			c.Set(userKey, uid)
		}
		c.Next()
	}
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(userKey) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthenticated", "a user id is required"))
			return
		}
		c.Next()
	}
}

// SetupRouter wires the session API, the event stream, the signaling relay
// and the metrics endpoint.
func SetupRouter(cfg *config.Config, facade *orch.Facade, ws *signal.WSServer, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("VerifySession", store))
	r.Use(IdentityMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	h := &handlers{facade: facade}
	api := r.Group("/api", RequireUser())

	api.POST("/sessions", h.schedule)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/consent", h.giveConsent)
	api.POST("/sessions/:id/assign", h.assignAgent)
	api.POST("/sessions/:id/notes", h.addNote)
	api.POST("/sessions/:id/flags", h.raiseFlag)
	api.POST("/sessions/:id/join", h.join)
	api.GET("/sessions/:id/connection", h.connection)
	api.POST("/sessions/:id/recording/start", h.startRecording)
	api.POST("/sessions/:id/recording/stop", h.stopRecording)
	api.POST("/sessions/:id/finish", h.finish)
	api.POST("/sessions/:id/documents", h.uploadDocument)
	api.GET("/sessions/:id/documents", h.listDocuments)
	api.PUT("/documents/:id/status", h.setDocumentStatus)
	api.GET("/sessions/:id/events", h.events)
	api.GET("/ws/signal", ws.Handle)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
