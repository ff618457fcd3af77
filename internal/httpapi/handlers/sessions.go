package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

func (h *Handler) CreateSession(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var in chat.SessionInput
	if !bindJSON(c, &in) {
		return
	}
	sess, err := h.Svc.CreateSession(c.Request.Context(), uid, in)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var archived *bool
	if v := c.Query("archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, apperr.Validation("invalid query parameters",
				apperr.FieldError{Field: "archived", Message: "archived must be true or false"}))
			return
		}
		archived = &b
	}
	out, err := h.Svc.ListSessions(c.Request.Context(), uid, archived)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, out)
}

func (h *Handler) GetSession(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	sess, err := h.Svc.GetSession(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, sess)
}

func (h *Handler) UpdateSession(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var p chat.SessionPatch
	if !bindJSON(c, &p) {
		return
	}
	sess, err := h.Svc.UpdateSession(c.Request.Context(), uid, c.Param("id"), p)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.Svc.DeleteSession(c.Request.Context(), uid, id); err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"id": id})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	msgs, err := h.Svc.ListMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, msgs)
}

func (h *Handler) UpdateMessage(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var p chat.MessagePatch
	if !bindJSON(c, &p) {
		return
	}
	msg, err := h.Svc.UpdateMessage(c.Request.Context(), uid, c.Param("id"), p)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.Svc.DeleteMessage(c.Request.Context(), uid, id); err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"id": id})
}
