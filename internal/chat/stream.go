package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
)

const (
	FrameContent = "content"
	FrameError   = "error"
	FrameDone    = "done"
)

// Frame is one server-sent event of a streamed turn.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId"`
}

// StreamTurn is a streamed turn that passed its checks and has its user
// message saved. Run it exactly once.
type StreamTurn struct {
	svc         *Service
	session     *Session
	callerID    string
	input       TurnInput
	UserMessage *Message
}

// BeginStream does everything that can still fail with a plain HTTP error:
// validation, ownership and saving the user message.
func (s *Service) BeginStream(ctx context.Context, callerID string, in TurnInput) (*StreamTurn, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	sess, err := s.ownedSession(ctx, callerID, in.SessionID)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.insertUserMessage(ctx, sess, callerID, in.Message)
	if err != nil {
		return nil, err
	}
	return &StreamTurn{svc: s, session: sess, callerID: callerID, input: in, UserMessage: userMsg}, nil
}

func (t *StreamTurn) errorFrame(err error) Frame {
	return Frame{
		Type:      FrameError,
		Error:     apperr.PublicMessage(err),
		Code:      string(apperr.KindOf(err)),
		SessionID: t.session.ID,
	}
}

// Run relays model events to emit until the turn ends. Failures are reported
// in-band with an error frame; the returned error is for logging. The
// upstream stream is released on every return path.
func (t *StreamTurn) Run(ctx context.Context, emit func(Frame) error) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := zerolog.Ctx(ctx).With().Str("session_id", t.session.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal("stream panicked", fmt.Errorf("%v", r))
			log.Error().Err(err).Msg("stream turn panicked")
			_ = emit(t.errorFrame(err))
		}
	}()

	events, err := t.svc.invoker.InvokeStream(ctx, t.input.request(t.session))
	if err != nil {
		_ = emit(t.errorFrame(err))
		return err
	}

	var (
		transcript strings.Builder
		tokens     *int
	)
	for ev := range events {
		switch ev.Type {
		case ai.EventContent:
			transcript.WriteString(ev.Content)
			if err := emit(Frame{Type: FrameContent, Content: ev.Content, SessionID: t.session.ID}); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}

		case ai.EventUsage:
			if ev.Usage != nil {
				n := ev.Usage.OutputTokens
				tokens = &n
			}

		case ai.EventError:
			log.Warn().Err(ev.Err).Msg("model stream failed")
			_ = emit(t.errorFrame(ev.Err))
			return ev.Err

		case ai.EventDone:
			if transcript.Len() > 0 {
				if _, err := t.svc.completeTurn(ctx, t.session, t.callerID, transcript.String(), tokens, t.input.Model, "stop"); err != nil {
					log.Error().Err(err).Msg("persist streamed reply failed")
					_ = emit(t.errorFrame(err))
					return err
				}
			}
			return emit(Frame{Type: FrameDone, SessionID: t.session.ID})
		}
	}

	// closed without a terminal event: the caller went away
	err = ctx.Err()
	if err == nil {
		err = errors.New("model stream closed without completion")
	}
	_ = emit(t.errorFrame(apperr.Wrap(apperr.KindUpstream, "stream interrupted", err)))
	return err
}
