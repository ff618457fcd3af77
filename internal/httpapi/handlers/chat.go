package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

// PingInterval is how often an idle stream gets a keep-alive comment.
var PingInterval = 15 * time.Second

// SendMessage handles POST /chat.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	var in chat.TurnInput
	if !bindJSON(c, &in) {
		return
	}

	res, err := h.Svc.SendMessage(c.Request.Context(), uid, in)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, res)
}

// turnFromQuery reads a streamed turn from GET /chat query parameters.
func turnFromQuery(c *gin.Context) (chat.TurnInput, error) {
	in := chat.TurnInput{
		SessionID: c.Query("sessionId"),
		Message:   c.Query("message"),
		Model:     c.Query("model"),
	}
	var fields []apperr.FieldError
	if v := c.Query("temperature"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: "temperature", Message: "temperature must be a number"})
		} else {
			in.Temperature = &f
		}
	}
	if v := c.Query("maxTokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: "maxTokens", Message: "maxTokens must be an integer"})
		} else {
			in.MaxTokens = &n
		}
	}
	if len(fields) > 0 {
		return in, apperr.Validation("invalid query parameters", fields...)
	}
	return in, nil
}

// StreamMessage handles GET /chat. Errors found before the stream opens are
// plain JSON responses; after that they are error frames.
func (h *Handler) StreamMessage(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	in, err := turnFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	turn, err := h.Svc.BeginStream(ctx, uid, in)
	if err != nil {
		respondError(c, err)
		return
	}

	sw, err := newSSEWriter(c)
	if err != nil {
		respondError(c, apperr.Internal("open stream", err))
		return
	}
	stopPing := sw.keepAlive(PingInterval)
	defer stopPing()

	if err := turn.Run(ctx, sw.frame); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", in.SessionID).Msg("stream ended with error")
	}
}

// sseWriter serializes frame writes and keep-alive comments onto one
// response.
type sseWriter struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // nginx
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	return &sseWriter{w: c.Writer, flusher: flusher}, nil
}

func (s *sseWriter) frame(f chat.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepAlive(every time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				_, err := fmt.Fprint(s.w, ": ping\n\n")
				if err == nil {
					s.flusher.Flush()
				}
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
