// Package worker runs queue deliveries through a fixed number of goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Handler processes one delivery. A returned error nacks the delivery
// without requeue, which dead-letters it.
type Handler func(ctx context.Context, d amqp.Delivery) error

type Pool struct {
	Concurrency int
	Handler     Handler
	Log         zerolog.Logger
	// SlowThreshold logs handlers that take longer than this. Zero disables it.
	SlowThreshold time.Duration
}

// Run dispatches deliveries until ctx is done or deliveries is closed, then
// waits for in-flight handlers.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	jobs := make(chan amqp.Delivery, n*2)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				p.handle(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.Log.Info().Msg("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				p.Log.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()
	err := p.Handler(ctx, d)
	cost := time.Since(start)

	if err != nil {
		p.Log.Error().Err(err).Int("worker", workerID).Uint64("tag", d.DeliveryTag).Dur("cost", cost).Msg("delivery failed")
		if nerr := d.Nack(false, false); nerr != nil {
			p.Log.Error().Err(nerr).Int("worker", workerID).Msg("nack failed")
		}
		return
	}
	if p.SlowThreshold > 0 && cost > p.SlowThreshold {
		p.Log.Warn().Int("worker", workerID).Dur("cost", cost).Msg("slow delivery")
	}
	if err := d.Ack(false); err != nil {
		p.Log.Error().Err(err).Int("worker", workerID).Msg("ack failed")
	}
}
