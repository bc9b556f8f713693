package ingestion

import (
	"context"
	"fmt"
	"time"

	"LeverVault/internal/observability"
	"LeverVault/internal/vault"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subjects names the JetStream streams and subject prefixes the vault uses.
type Subjects struct {
	InstructionStream string
	Instructions      string // prefix; producers publish to <prefix>.<anything>
	EventStream       string
	Events            string
	Consumer          string
}

// DefaultSubjects returns the standard subject layout.
func DefaultSubjects() Subjects {
	return Subjects{
		InstructionStream: "VAULT_INSTRUCTIONS",
		Instructions:      "vault.instructions",
		EventStream:       "VAULT_EVENTS",
		Events:            "vault.events",
		Consumer:          "vault-processor",
	}
}

// Subscriber feeds invocations from JetStream into the processor. Messages
// are acked by the processor once the invocation is logged, so a crash
// between delivery and commit leads to redelivery, which the idempotency
// checker absorbs.
type Subscriber struct {
	js       jetstream.JetStream
	out      chan<- vault.Delivery
	subjects Subjects
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, out chan<- vault.Delivery, subjects Subjects, metrics *observability.Metrics, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:       js,
		out:      out,
		subjects: subjects,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer and starts delivering.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.subjects.InstructionStream, jetstream.ConsumerConfig{
		Durable:       s.subjects.Consumer,
		FilterSubject: s.subjects.Instructions + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.subjects.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.subjects.Consumer, err)
	}
	s.consumer = cc

	s.logger.Info().
		Str("subject", s.subjects.Instructions+".>").
		Str("consumer", s.subjects.Consumer).
		Msg("subscribed")
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg) {
	inv, err := ParseInvocation(msg.Data())
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("terminating malformed message")
		if s.metrics != nil {
			s.metrics.IngestMalformed.Inc()
		}
		msg.Term()
		return
	}

	d := vault.Delivery{
		Invocation: inv,
		Ack:        func() { msg.Ack() },
		Nak:        func() { msg.Nak() },
	}

	select {
	case s.out <- d:
	case <-ctx.Done():
		msg.Nak()
	}
}

// Stop stops the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("subscriber stopped")
}

// EnsureStreams creates the instruction and event streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, subjects Subjects, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       subjects.InstructionStream,
			Subjects:   []string{subjects.Instructions + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       subjects.EventStream,
			Subjects:   []string{subjects.Events + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("levervault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
