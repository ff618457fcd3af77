package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/ratelimit"
)

// Invoker is the only path to the model API. Every call passes the rate
// limiter and the model catalog before any network I/O.
type Invoker struct {
	transport Transport
	catalog   *Catalog
	limiter   ratelimit.Limiter
}

func NewInvoker(t Transport, c *Catalog, l ratelimit.Limiter) *Invoker {
	if c == nil {
		c = DefaultCatalog()
	}
	if l == nil {
		l = ratelimit.Unlimited{}
	}
	return &Invoker{transport: t, catalog: c, limiter: l}
}

func (inv *Invoker) prepare(ctx context.Context, req Request) (ModelConfig, []byte, error) {
	if !inv.limiter.CheckLimit(ctx) {
		return ModelConfig{}, nil, apperr.RateLimit("Rate limit exceeded. Please try again later.")
	}
	model, err := inv.catalog.Lookup(req.Model)
	if err != nil {
		return ModelConfig{}, nil, err
	}
	body, err := json.Marshal(BuildPayload(req, model))
	if err != nil {
		return ModelConfig{}, nil, apperr.Internal("encode model payload", err)
	}
	return model, body, nil
}

func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	model, body, err := inv.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err := inv.transport.Invoke(ctx, model.ID, body)
	if err != nil {
		return nil, TranslateError(err)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "decode model response", err)
	}

	var b strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, apperr.Model("model returned an empty response")
	}

	out := &Response{
		Content:      b.String(),
		Tokens:       decoded.Usage.OutputTokens,
		Model:        decoded.Model,
		FinishReason: decoded.StopReason,
	}
	if out.Model == "" {
		out.Model = model.ID
	}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	return out, nil
}

// InvokeStream starts a streamed reply. Failures before the first byte are
// returned directly; later ones arrive as an EventError. The channel is
// closed after a terminal event, or early if ctx is cancelled.
func (inv *Invoker) InvokeStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model, body, err := inv.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	rc, err := inv.transport.InvokeStream(ctx, model.ID, body)
	if err != nil {
		return nil, TranslateError(err)
	}

	out := make(chan StreamEvent, 16)
	go pump(ctx, rc, out)
	return out, nil
}

func pump(ctx context.Context, rc io.ReadCloser, out chan<- StreamEvent) {
	defer close(out)
	defer rc.Close()

	dec := newStreamDecoder(*zerolog.Ctx(ctx))

	// emit reports whether the consumer is still there and no terminal
	// event has been sent
	emit := func(events []StreamEvent) bool {
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
			if ev.Terminal() {
				return false
			}
		}
		return true
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			lines, err := dec.feed(buf[:n])
			for _, line := range lines {
				if !emit(dec.decode(line)) {
					return
				}
			}
			if err != nil {
				emit([]StreamEvent{{Type: EventError, Err: apperr.Wrap(apperr.KindModel, "malformed model stream", err)}})
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if last := dec.rest(); len(last) > 0 {
				if !emit(dec.decode(last)) {
					return
				}
			}
			emit(dec.finish())
			return
		}
		if ctx.Err() != nil {
			return
		}
		emit([]StreamEvent{{Type: EventError, Err: TranslateError(readErr)}})
		return
	}
}
