package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Invoker is the model API as the relay sees it.
type Invoker interface {
	Invoke(ctx context.Context, req ai.Request) (*ai.Response, error)
	InvokeStream(ctx context.Context, req ai.Request) (<-chan ai.StreamEvent, error)
}

type ModelLookup interface {
	Get(id string) (ai.ModelConfig, bool)
	List() []ai.ModelConfig
}

type Service struct {
	repo    *Repo
	invoker Invoker
	models  ModelLookup
	usage   UsageRecorder
	now     func() time.Time
}

func NewService(repo *Repo, invoker Invoker, models ModelLookup, usage UsageRecorder) *Service {
	if usage == nil {
		usage = NewDirectUsage(repo)
	}
	return &Service{repo: repo, invoker: invoker, models: models, usage: usage, now: time.Now}
}

type TurnUsage struct {
	Tokens int    `json:"tokens"`
	Model  string `json:"model"`
}

type TurnResult struct {
	UserMessage      *Message  `json:"userMessage"`
	AssistantMessage *Message  `json:"assistantMessage"`
	Usage            TurnUsage `json:"usage"`
}

func (in TurnInput) request(sess *Session) ai.Request {
	return ai.Request{
		SessionID:    sess.ID,
		SystemPrompt: sess.SystemPrompt,
		Message:      in.Message,
		Model:        in.Model,
		Temperature:  in.Temperature,
		MaxTokens:    in.MaxTokens,
	}
}

// ownedSession loads a session and checks it belongs to callerID.
func (s *Service) ownedSession(ctx context.Context, callerID, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, lookupErr(err, "session not found")
	}
	if sess.UserID != callerID {
		return nil, apperr.Authorization("you do not have access to this session")
	}
	return sess, nil
}

func lookupErr(err error, notFound string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(notFound)
	}
	return apperr.Internal("database error", err)
}

func (s *Service) insertUserMessage(ctx context.Context, sess *Session, callerID, content string) (*Message, error) {
	msg := &Message{
		SessionID: sess.ID,
		UserID:    callerID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, apperr.Internal("save user message", err)
	}
	return msg, nil
}

// completeTurn persists the assistant reply with the session counters and
// then records usage. The request id on ctx, if any, goes into the reply's
// metadata. It runs detached from ctx cancellation: once the model
// has finished, a client hang-up does not lose the reply.
func (s *Service) completeTurn(ctx context.Context, sess *Session, callerID, content string, tokens *int, model, finishReason string) (*Message, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	msg := &Message{
		SessionID: sess.ID,
		UserID:    callerID,
		Role:      RoleAssistant,
		Content:   content,
		Tokens:    tokens,
		Model:     model,
		Metadata: datatypes.NewJSONType(MessageMetadata{
			FinishReason: finishReason,
			RequestID:    common.RequestIDFrom(ctx),
		}),
	}
	if err := s.repo.CompleteTurn(ctx, msg, now); err != nil {
		return nil, apperr.Internal("save assistant message", err)
	}

	n := 0
	if tokens != nil {
		n = *tokens
	}
	s.recordUsage(ctx, UsageEvent{UserID: callerID, Messages: 2, Tokens: n, At: now})
	return msg, nil
}

func (s *Service) recordUsage(ctx context.Context, ev UsageEvent) {
	if err := s.usage.Record(ctx, ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("user_id", ev.UserID).
			Int("messages", ev.Messages).
			Int("tokens", ev.Tokens).
			Msg("usage stats update failed")
	}
}

// SendMessage runs one synchronous turn. A failure after the user message is
// saved leaves that message in place and the session counters untouched.
func (s *Service) SendMessage(ctx context.Context, callerID string, in TurnInput) (*TurnResult, error) {
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

	resp, err := s.invoker.Invoke(ctx, in.request(sess))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("session_id", sess.ID).
			Str("model", in.Model).
			Msg("model invocation failed")
		return nil, err
	}

	tokens := resp.Tokens
	assistant, err := s.completeTurn(ctx, sess, callerID, resp.Content, &tokens, resp.Model, resp.FinishReason)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: assistant,
		Usage:            TurnUsage{Tokens: resp.Tokens, Model: resp.Model},
	}, nil
}

func (s *Service) defaultModel() (ai.ModelConfig, bool) {
	list := s.models.List()
	if len(list) == 0 {
		return ai.ModelConfig{}, false
	}
	return list[0], true
}

func (s *Service) resolveModel(id string) (ai.ModelConfig, error) {
	if id == "" {
		if m, ok := s.defaultModel(); ok {
			return m, nil
		}
	}
	m, ok := s.models.Get(id)
	if !ok {
		return ai.ModelConfig{}, apperr.Validation(
			fmt.Sprintf("model %q is not supported", id),
			apperr.FieldError{Field: "model", Message: "model is not supported"},
		)
	}
	return m, nil
}

func (s *Service) CreateSession(ctx context.Context, callerID string, in SessionInput) (*Session, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	model, err := s.resolveModel(in.Model)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		UserID:       callerID,
		Title:        in.Title,
		Model:        model.ID,
		SystemPrompt: in.SystemPrompt,
		Temperature:  model.DefaultTemperature,
		MaxTokens:    model.MaxTokens,
	}
	if in.Temperature != nil {
		sess.Temperature = *in.Temperature
	}
	if in.MaxTokens != nil {
		sess.MaxTokens = *in.MaxTokens
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Internal("create session", err)
	}
	s.recordUsage(ctx, UsageEvent{UserID: callerID, SessionsCreated: 1, At: s.now()})
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, callerID string, archived *bool) ([]Session, error) {
	out, err := s.repo.ListSessions(ctx, callerID, archived)
	if err != nil {
		return nil, apperr.Internal("list sessions", err)
	}
	return out, nil
}

func (s *Service) GetSession(ctx context.Context, callerID, sessionID string) (*Session, error) {
	return s.ownedSession(ctx, callerID, sessionID)
}

func (s *Service) UpdateSession(ctx context.Context, callerID, sessionID string, p SessionPatch) (*Session, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if _, err := s.ownedSession(ctx, callerID, sessionID); err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if p.Title != nil {
		updates["title"] = *p.Title
	}
	if p.Model != nil {
		m, err := s.resolveModel(*p.Model)
		if err != nil {
			return nil, err
		}
		updates["model"] = m.ID
	}
	if p.SystemPrompt != nil {
		updates["system_prompt"] = *p.SystemPrompt
	}
	if p.Temperature != nil {
		updates["temperature"] = *p.Temperature
	}
	if p.MaxTokens != nil {
		updates["max_tokens"] = *p.MaxTokens
	}
	if p.IsArchived != nil {
		updates["is_archived"] = *p.IsArchived
	}

	if len(updates) > 0 {
		if err := s.repo.UpdateSession(ctx, sessionID, updates); err != nil {
			return nil, lookupErr(err, "session not found")
		}
	}
	return s.ownedSession(ctx, callerID, sessionID)
}

func (s *Service) DeleteSession(ctx context.Context, callerID, sessionID string) error {
	if _, err := s.ownedSession(ctx, callerID, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return lookupErr(err, "session not found")
	}
	return nil
}

func (s *Service) ListMessages(ctx context.Context, callerID, sessionID string) ([]Message, error) {
	if _, err := s.ownedSession(ctx, callerID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("list messages", err)
	}
	return msgs, nil
}

func (s *Service) ownedMessage(ctx context.Context, callerID, messageID string) (*Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, lookupErr(err, "message not found")
	}
	if msg.UserID != callerID {
		return nil, apperr.Authorization("you do not have access to this message")
	}
	return msg, nil
}

func (s *Service) UpdateMessage(ctx context.Context, callerID, messageID string, p MessagePatch) (*Message, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if _, err := s.ownedMessage(ctx, callerID, messageID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateMessageContent(ctx, messageID, p.Content); err != nil {
		return nil, lookupErr(err, "message not found")
	}
	return s.ownedMessage(ctx, callerID, messageID)
}

func (s *Service) DeleteMessage(ctx context.Context, callerID, messageID string) error {
	if _, err := s.ownedMessage(ctx, callerID, messageID); err != nil {
		return err
	}
	if err := s.repo.DeleteMessage(ctx, messageID); err != nil {
		return lookupErr(err, "message not found")
	}
	return nil
}

// EnsureProfile is called by the auth middleware on every request.
func (s *Service) EnsureProfile(ctx context.Context, userID, email string) error {
	if _, err := s.repo.EnsureProfile(ctx, userID, email); err != nil {
		return apperr.Internal("ensure profile", err)
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, callerID string) (*UserProfile, error) {
	p, err := s.repo.GetProfile(ctx, callerID)
	if err != nil {
		return nil, lookupErr(err, "profile not found")
	}
	return p, nil
}

func (s *Service) UpdateProfile(ctx context.Context, callerID string, p ProfilePatch) (*UserProfile, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if p.DisplayName != nil {
		updates["display_name"] = *p.DisplayName
	}
	if p.Email != nil {
		updates["email"] = *p.Email
	}
	if p.Avatar != nil {
		updates["avatar"] = *p.Avatar
	}
	if p.Preferences != nil {
		b, err := json.Marshal(p.Preferences)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "preferences must be a JSON object", err)
		}
		updates["preferences"] = datatypes.JSON(b)
	}
	if len(updates) > 0 {
		if err := s.repo.UpdateProfile(ctx, callerID, updates); err != nil {
			return nil, lookupErr(err, "profile not found")
		}
	}
	return s.Profile(ctx, callerID)
}
