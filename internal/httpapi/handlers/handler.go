package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type ModelLister interface {
	List() []ai.ModelConfig
}

type Handler struct {
	Svc    *chat.Service
	Models ModelLister
}

func NewHandler(svc *chat.Service, models ModelLister) *Handler {
	return &Handler{Svc: svc, Models: models}
}

// respondError writes the JSON error envelope for err. Internal errors are
// logged and their detail withheld.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("url", c.Request.URL.String()).Msg("internal server error")
	}
	_ = c.Error(err)

	if e, ok := apperr.As(err); ok && len(e.Fields) > 0 {
		common.FailWith(c, kind.Status(), string(kind), e.Message, "fields", e.Fields)
		return
	}
	common.Fail(c, kind.Status(), string(kind), apperr.PublicMessage(err))
}

func callerID(c *gin.Context) (string, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		respondError(c, apperr.Authentication("unauthorized"))
	}
	return uid, ok
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, apperr.Validation("invalid json body"))
		return false
	}
	return true
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, http.StatusOK, gin.H{"message": "pong"})
}

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, http.StatusOK, h.Models.List())
}
