package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-relay/internal/chat"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn  *amqp.Connection
	ch    channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) publishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// UsageRecorder hands usage increments to the worker instead of writing
// them inside the request.
type UsageRecorder struct {
	p *Publisher
}

func NewUsageRecorder(p *Publisher) *UsageRecorder {
	return &UsageRecorder{p: p}
}

func (u *UsageRecorder) Record(ctx context.Context, ev chat.UsageEvent) error {
	return u.p.publishJSON(ctx, ev)
}

// DecodeUsage parses a message published by UsageRecorder.
func DecodeUsage(body []byte) (chat.UsageEvent, error) {
	var ev chat.UsageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if ev.UserID == "" {
		return ev, errMissingUser
	}
	return ev, nil
}
