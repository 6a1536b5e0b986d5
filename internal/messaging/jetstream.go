package messaging

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/config"
)

// JetStreamSubscriber consumes a durable, subject-filtered JetStream consumer
type JetStreamSubscriber struct {
	conn     *nats.Conn
	consumer jetstream.Consumer
	stream   string
	nakDelay time.Duration
}

// NewJetStreamSubscriber connects and creates (or updates) the durable consumer. The durable
// name is stable across restarts, so acknowledged progress survives them.
func NewJetStreamSubscriber(ctx context.Context, cfg config.BrokerConfig) (*JetStreamSubscriber, error) {
	jsCfg := cfg.JetStream
	conn, err := nats.Connect(jsCfg.URL,
		nats.Name(jsCfg.Durable),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create JetStream context")
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, jsCfg.Stream, jetstream.ConsumerConfig{
		Durable:       jsCfg.Durable,
		FilterSubject: cfg.SubjectFilter(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       jsCfg.AckWait,
		MaxDeliver:    jsCfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to create consumer %s on stream %s", jsCfg.Durable, jsCfg.Stream)
	}

	log.Info().
		Str("stream", jsCfg.Stream).
		Str("durable", jsCfg.Durable).
		Str("filter", cfg.SubjectFilter()).
		Msg("JetStream consumer ready")

	return &JetStreamSubscriber{
		conn:     conn,
		consumer: consumer,
		stream:   jsCfg.Stream,
		nakDelay: jsCfg.NakDelay,
	}, nil
}

// Consume pulls messages until ctx is cancelled
func (s *JetStreamSubscriber) Consume(ctx context.Context, handler Handler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return errors.Wrap(err, "failed to open message iterator")
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	backoff := newReceiveBackoff()
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("stream", s.stream).Msg("Error receiving JetStream message")
			if !backoff.wait(ctx) {
				return nil
			}
			continue
		}
		backoff.reset()
		handler(ctx, newJetStreamDelivery(msg, s.stream, s.nakDelay))
	}
}

// Close drains the connection
func (s *JetStreamSubscriber) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

type jetStreamDelivery struct {
	msg        jetstream.Msg
	stream     string
	sequence   uint64
	delivered  uint64
	receivedAt time.Time
	nakDelay   time.Duration
}

func newJetStreamDelivery(msg jetstream.Msg, stream string, nakDelay time.Duration) *jetStreamDelivery {
	d := &jetStreamDelivery{msg: msg, stream: stream, nakDelay: nakDelay, receivedAt: time.Now().UTC()}
	if meta, err := msg.Metadata(); err == nil {
		d.sequence = meta.Sequence.Stream
		d.delivered = meta.NumDelivered
		d.stream = meta.Stream
	}
	return d
}

func (d *jetStreamDelivery) Subject() string       { return d.msg.Subject() }
func (d *jetStreamDelivery) Data() []byte          { return d.msg.Data() }
func (d *jetStreamDelivery) Source() string        { return d.stream }
func (d *jetStreamDelivery) Sequence() uint64      { return d.sequence }
func (d *jetStreamDelivery) NumDelivered() uint64  { return d.delivered }
func (d *jetStreamDelivery) ReceivedAt() time.Time { return d.receivedAt }

func (d *jetStreamDelivery) Ack(context.Context) error {
	return d.msg.Ack()
}

func (d *jetStreamDelivery) Nak(context.Context) error {
	if d.nakDelay > 0 {
		return d.msg.NakWithDelay(d.nakDelay)
	}
	return d.msg.Nak()
}
