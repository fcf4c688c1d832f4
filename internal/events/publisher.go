// Package events publishes admission decisions to an external topic for
// audit and analytics. Publishing is always best-effort: a broker outage
// or a throttled rate limiter here must never block or fail an admission
// decision. This mirrors the admission-core's own non-critical failure
// handling — a side effect that degrades to "log and continue", never to
// "deny the request".
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"
)

// Decision is the admission outcome published for one request.
type Decision struct {
	TenantID   string    `json:"tenant_id"`
	ClientID   string    `json:"client_id"`
	ActionType string    `json:"action_type"`
	Status     string    `json:"status"`
	Allowed    bool      `json:"allowed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher writes Decisions to Kafka, throttled so a producer-side
// slowdown cannot turn into unbounded goroutine growth.
type Publisher struct {
	writer  *kafka.Writer
	limiter *rate.Limiter
	enabled bool
}

// Config configures a Publisher.
type Config struct {
	Brokers          []string
	Topic            string
	PublishRateLimit float64 // events/sec; 0 disables throttling
	Enabled          bool
}

// New builds a Publisher. When cfg.Enabled is false, Publish is a no-op —
// this lets a deployment without a Kafka broker run the admission core
// unmodified.
func New(cfg Config) *Publisher {
	if !cfg.Enabled {
		return &Publisher{enabled: false}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
	}

	limit := rate.Limit(cfg.PublishRateLimit)
	if cfg.PublishRateLimit <= 0 {
		limit = rate.Inf
	}

	return &Publisher{
		writer:  w,
		limiter: rate.NewLimiter(limit, int(cfg.PublishRateLimit)+1),
		enabled: true,
	}
}

// Publish best-effort publishes d. It never returns an error to the
// caller and never blocks the admission path: if the rate limiter has no
// tokens available right now, the event is dropped and logged rather
// than waited for.
func (p *Publisher) Publish(d Decision) {
	if !p.enabled {
		return
	}

	if !p.limiter.Allow() {
		log.Debug().
			Str("component", "events").
			Str("tenant_id", d.TenantID).
			Msg("dropped admission-decision event: publish rate exceeded")
		return
	}

	payload, err := json.Marshal(d)
	if err != nil {
		log.Warn().Str("component", "events").Err(err).Msg("failed to marshal admission decision")
		return
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := p.writer.WriteMessages(writeCtx, kafka.Message{
			Key:   []byte(d.TenantID),
			Value: payload,
		}); err != nil {
			log.Warn().
				Str("component", "events").
				Err(err).
				Str("tenant_id", d.TenantID).
				Msg("failed to publish admission decision, continuing")
		}
	}()
}

// Close releases the underlying Kafka writer's resources.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.writer.Close()
}
