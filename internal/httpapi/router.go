package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type Deps struct {
	Service     *chat.Service
	Models      handlers.ModelLister
	Verifier    *auth.Verifier
	CORSOrigins []string
	Log         zerolog.Logger
}

// corsConfig allows the listed origins. A "*" entry allows any origin and
// then credentials are never allowed.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.Recovery())

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(d.CORSOrigins)))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, string(apperr.KindNotFound), "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	h := handlers.NewHandler(d.Service, d.Models)

	r.GET("/ping", h.Ping)
	r.GET("/models", h.ListModels)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.Verifier, d.Service))

	authGroup.POST("/chat", h.SendMessage)
	authGroup.GET("/chat", h.StreamMessage)

	authGroup.POST("/sessions", h.CreateSession)
	authGroup.GET("/sessions", h.ListSessions)
	authGroup.GET("/sessions/:id", h.GetSession)
	authGroup.PATCH("/sessions/:id", h.UpdateSession)
	authGroup.DELETE("/sessions/:id", h.DeleteSession)
	authGroup.GET("/sessions/:id/messages", h.ListMessages)

	authGroup.PATCH("/messages/:id", h.UpdateMessage)
	authGroup.DELETE("/messages/:id", h.DeleteMessage)

	authGroup.GET("/me", h.Me)
	authGroup.PATCH("/me", h.UpdateMe)
	return r
}
