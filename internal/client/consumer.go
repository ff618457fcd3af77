package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

// StreamError is an error frame received from the relay.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

type frame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}

// Consumer runs at most one stream at a time against a relay and mirrors the
// conversation into a Store.
type Consumer struct {
	client *Client
	store  *Store
	log    zerolog.Logger

	// OnUpdate, if set, is called with the full assistant text so far.
	OnUpdate func(text string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  State
}

func NewConsumer(c *Client, store *Store, log zerolog.Logger) *Consumer {
	if store == nil {
		store = NewStore()
	}
	return &Consumer{client: c, store: store, log: log}
}

func (c *Consumer) Store() *Store { return c.store }

func (c *Consumer) Client() *Client { return c.client }

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) transition(in Input) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.state.Next(in)
	return c.state
}

// Cancel stops the in-flight stream, if any, and waits for it to finish.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// begin cancels any running stream, waits for it, and registers a new one.
func (c *Consumer) begin(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	for c.done != nil {
		cancel, done := c.cancel, c.done
		c.mu.Unlock()
		cancel()
		<-done
		c.mu.Lock()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.state = c.state.Next(InputStart)
	c.mu.Unlock()

	return streamCtx, func() {
		cancel()
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
		close(done)
	}
}

func streamQuery(in TurnRequest) url.Values {
	q := url.Values{}
	q.Set("sessionId", in.SessionID)
	q.Set("message", in.Message)
	q.Set("model", in.Model)
	if in.Temperature != nil {
		q.Set("temperature", strconv.FormatFloat(*in.Temperature, 'f', -1, 64))
	}
	if in.MaxTokens != nil {
		q.Set("maxTokens", strconv.Itoa(*in.MaxTokens))
	}
	return q
}

// SendStream streams one turn. It returns nil when the turn completes or is
// cancelled, and an error when the relay reports one or the stream breaks.
// The user message and an empty assistant message are added to the store
// before the request is sent.
func (c *Consumer) SendStream(ctx context.Context, in TurnRequest) error {
	ctx, finish := c.begin(ctx)
	defer finish()

	userID, assistantID := placeholderID(), placeholderID()
	now := time.Now()
	c.store.Append(LocalMessage{ID: userID, SessionID: in.SessionID, Role: "user", Content: in.Message, Pending: true, CreatedAt: now})
	c.store.Append(LocalMessage{ID: assistantID, SessionID: in.SessionID, Role: "assistant", Pending: true, CreatedAt: now})

	fail := func(err error) error {
		if ctx.Err() != nil {
			c.transition(InputCancel)
			return nil
		}
		c.transition(InputError)
		c.store.Update(assistantID, func(m *LocalMessage) { m.Error = err.Error() })
		return err
	}

	req, err := c.client.newRequest(ctx, http.MethodGet, "/chat?"+streamQuery(in).Encode(), nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.httpClient().Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(decodeError(resp))
	}

	var text strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			c.log.Debug().Err(err).Str("line", data).Msg("skipping undecodable frame")
			continue
		}

		switch f.Type {
		case "content":
			text.WriteString(f.Content)
			full := text.String()
			c.store.Update(assistantID, func(m *LocalMessage) { m.Content = full })
			c.transition(InputContent)
			if c.OnUpdate != nil {
				c.OnUpdate(full)
			}
		case "error":
			return fail(&StreamError{Code: f.Code, Message: f.Error})
		case "done":
			c.transition(InputDone)
			c.store.Update(userID, func(m *LocalMessage) { m.Pending = false })
			c.store.Update(assistantID, func(m *LocalMessage) { m.Pending = false })
			return nil
		default:
			c.log.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}

	if err := sc.Err(); err != nil {
		return fail(fmt.Errorf("read stream: %w", err))
	}
	return fail(io.ErrUnexpectedEOF)
}

// Send runs a synchronous turn and records both confirmed messages.
func (c *Consumer) Send(ctx context.Context, in TurnRequest) (*TurnResult, error) {
	res, err := c.client.Send(ctx, in)
	if err != nil {
		return nil, err
	}
	c.store.Append(fromMessage(res.UserMessage))
	c.store.Append(fromMessage(res.AssistantMessage))
	return res, nil
}

// ListMessages fetches the session history and replaces the cached copy.
func (c *Consumer) ListMessages(ctx context.Context, sessionID string) ([]LocalMessage, error) {
	msgs, err := c.client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	local := make([]LocalMessage, 0, len(msgs))
	for _, m := range msgs {
		local = append(local, fromMessage(m))
	}
	c.store.Replace(sessionID, local)
	return local, nil
}

func (c *Consumer) CreateSession(ctx context.Context, in SessionRequest) (*Session, error) {
	return c.client.CreateSession(ctx, in)
}

func fromMessage(m Message) LocalMessage {
	return LocalMessage{ID: m.ID, SessionID: m.SessionID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

func placeholderID() string {
	id, err := common.NewULID()
	if err != nil {
		return "local-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "local-" + id
}
