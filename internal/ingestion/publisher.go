package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"LeverVault/internal/event"
	"LeverVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher publishes logged envelopes for downstream consumers.
// Subjects follow the pattern: <events prefix>.<instruction>.<outcome>
type Publisher struct {
	js      jetstream.JetStream
	in      <-chan *event.Envelope
	prefix  string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, in <-chan *event.Envelope, prefix string, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		in:      in,
		prefix:  prefix,
		metrics: metrics,
		logger:  logger,
	}
}

// Run publishes until ctx is done or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: consumers can read the invocation log directly
				p.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.PublishFailures.Inc()
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, env.Subject())
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(MsgID(env)))
	return err
}

// MsgID is the broker dedup key of an envelope.
func MsgID(env *event.Envelope) string {
	return fmt.Sprintf("%d-%s", env.Sequence, env.InvocationID)
}
