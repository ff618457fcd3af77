package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

func (h *Handler) Me(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	p, err := h.Svc.Profile(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, p)
}

func (h *Handler) UpdateMe(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var patch chat.ProfilePatch
	if !bindJSON(c, &patch) {
		return
	}
	p, err := h.Svc.UpdateProfile(c.Request.Context(), uid, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, p)
}
