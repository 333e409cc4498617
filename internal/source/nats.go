package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds connection, stream and consumer configuration for the
// NATS source.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string `env:"URL" envDefault:"nats://localhost:4222"`

	// Name is the client connection name for monitoring
	Name string `env:"CLIENT_NAME" envDefault:"beacon-relay"`

	// Stream is the JetStream stream name
	Stream string `env:"STREAM" envDefault:"BEACON_EVENTS"`

	// Subject is the subject the stream captures and the consumer filters
	Subject string `env:"SUBJECT" envDefault:"beacon.events.>"`

	// Consumer is the durable consumer name
	Consumer string `env:"CONSUMER" envDefault:"beacon-relay"`

	// MaxReconnects is the maximum number of reconnection attempts
	MaxReconnects int `env:"MAX_RECONNECTS" envDefault:"60"`

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`

	// Timeout is the connection timeout
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration `env:"MAX_AGE" envDefault:"168h"` // 7 days

	// AckWait is the time NATS waits for an acknowledgment before redelivery
	AckWait time.Duration `env:"ACK_WAIT" envDefault:"30s"`

	// MaxDeliver is the maximum number of delivery attempts per message
	MaxDeliver int `env:"MAX_DELIVER" envDefault:"5"`

	// FetchBatch is how many messages one fetch requests
	FetchBatch int `env:"FETCH_BATCH" envDefault:"100"`
}

// NATS ingests events from a JetStream pull consumer. Lines are
// acknowledged once the handler accepts them, terminated when the handler
// reports a Permanent error (poison lines are never redelivered), and
// negatively acknowledged otherwise so JetStream redelivers them.
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
	logger *slog.Logger
}

// NewNATS connects to NATS and ensures the configured stream and durable
// consumer exist. A nil logger defaults to slog.Default().
func NewNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-source")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := &NATS{
		conn:   conn,
		js:     js,
		config: cfg,
		logger: logger,
	}

	if err := s.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensureConsumer(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("connected to NATS",
		"url", conn.ConnectedUrl(),
		"stream", cfg.Stream,
		"consumer", cfg.Consumer,
	)

	return s, nil
}

// ensureStream creates or updates the ingest stream.
func (s *NATS) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:        s.config.Stream,
		Subjects:    []string{s.config.Subject},
		Storage:     jetstream.FileStorage,
		MaxAge:      s.config.MaxAge,
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	// Try to get the existing stream first
	_, err := s.js.Stream(ctx, s.config.Stream)
	if err == nil {
		s.logger.Info("updating existing stream", "name", s.config.Stream)
		if _, err := s.js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		return nil
	}

	s.logger.Info("creating new stream", "name", s.config.Stream, "subject", s.config.Subject)
	if _, err := s.js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// ensureConsumer creates or updates the durable pull consumer.
func (s *NATS) ensureConsumer(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, s.config.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       s.config.Consumer,
		FilterSubject: s.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.config.AckWait,
		MaxDeliver:    s.config.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	// Try to get the existing consumer first
	_, err = stream.Consumer(ctx, s.config.Consumer)
	if err == nil {
		s.logger.Info("updating existing consumer", "name", s.config.Consumer)
		if _, err := stream.UpdateConsumer(ctx, consumerCfg); err != nil {
			return fmt.Errorf("failed to update consumer: %w", err)
		}
		return nil
	}

	s.logger.Info("creating new consumer", "name", s.config.Consumer, "filter", s.config.Subject)
	if _, err := stream.CreateConsumer(ctx, consumerCfg); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

// Run fetches messages and hands them to handler until ctx is cancelled.
func (s *NATS) Run(ctx context.Context, handler Handler) error {
	stream, err := s.js.Stream(ctx, s.config.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	consumer, err := stream.Consumer(ctx, s.config.Consumer)
	if err != nil {
		return fmt.Errorf("failed to get consumer: %w", err)
	}

	fetchBatch := s.config.FetchBatch
	if fetchBatch < 1 {
		fetchBatch = 100
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msgs, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					s.logger.Error("failed to fetch messages", "error", err)
					// Brief backoff before retrying on unexpected errors
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return nil
					}
				}
				continue
			}

			for msg := range msgs.Messages() {
				s.processMessage(ctx, msg, handler)
			}

			if err := msgs.Error(); err != nil {
				s.logger.Error("messages iteration error", "error", err)
			}
		}
	}
}

// processMessage routes one message through the handler and resolves its
// acknowledgment from the outcome.
func (s *NATS) processMessage(ctx context.Context, msg jetstream.Msg, handler Handler) {
	err := handler(ctx, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			s.logger.Error("failed to ack message", "error", ackErr)
		}
	case Permanent(err):
		// Poison line: terminate to prevent infinite redelivery
		s.logger.Error("poison line: terminating",
			"error", err,
			"subject", msg.Subject(),
		)
		if termErr := msg.Term(); termErr != nil {
			s.logger.Error("failed to terminate poison line", "error", termErr)
		}
	default:
		s.logger.Warn("line not ingested, requeueing", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			s.logger.Error("failed to nak message", "error", nakErr)
		}
	}
}

// HealthCheck verifies the connection and JetStream availability.
func (s *NATS) HealthCheck(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected, status: %s", s.conn.Status())
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := s.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("JetStream health check failed: %w", err)
	}

	return nil
}

// Drain gracefully drains the connection.
func (s *NATS) Drain() error {
	return s.conn.Drain()
}

// Close closes the NATS connection.
func (s *NATS) Close() {
	s.conn.Close()
}
