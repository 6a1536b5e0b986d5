package messaging

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/config"
)

// ServiceBusSubscriber consumes a topic subscription in peek-lock mode. Subject filtering
// happens here, against the message subject, since subscriptions may carry other events.
type ServiceBusSubscriber struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	source    string
	filter    string
	batchSize int
}

// NewServiceBusSubscriber creates the client and a receiver for the configured subscription
func NewServiceBusSubscriber(cfg config.BrokerConfig) (*ServiceBusSubscriber, error) {
	sbCfg := cfg.ServiceBus
	if sbCfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(sbCfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForSubscription(sbCfg.Topic, sbCfg.Subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	batchSize := sbCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	return &ServiceBusSubscriber{
		client:    client,
		receiver:  receiver,
		source:    sbCfg.Topic + "/" + sbCfg.Subscription,
		filter:    cfg.SubjectFilter(),
		batchSize: batchSize,
	}, nil
}

// Consume receives batches until ctx is cancelled. Messages are handed over one at a time.
func (s *ServiceBusSubscriber) Consume(ctx context.Context, handler Handler) error {
	log.Info().Str("subscription", s.source).Str("filter", s.filter).Msg("Starting Service Bus consumer")

	backoff := newReceiveBackoff()
	for {
		messages, err := s.receiver.ReceiveMessages(ctx, s.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("subscription", s.source).Msg("Error receiving messages")
			if !backoff.wait(ctx) {
				return nil
			}
			continue
		}
		backoff.reset()

		for _, msg := range messages {
			d := &serviceBusDelivery{receiver: s.receiver, msg: msg, source: s.source, receivedAt: time.Now().UTC()}

			if subject := d.Subject(); subject != "" && !MatchSubject(s.filter, subject) {
				log.Debug().Str("subject", subject).Msg("Skipping message outside subject filter")
				if err := d.Ack(ctx); err != nil {
					log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to complete filtered message")
				}
				continue
			}

			handler(ctx, d)
		}
	}
}

// Close closes the receiver and the client
func (s *ServiceBusSubscriber) Close() error {
	if s.receiver != nil {
		if err := s.receiver.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

type serviceBusDelivery struct {
	receiver   *azservicebus.Receiver
	msg        *azservicebus.ReceivedMessage
	source     string
	receivedAt time.Time
}

// Subject reads the broker subject, falling back to a "subject" application property
func (d *serviceBusDelivery) Subject() string {
	if d.msg.Subject != nil {
		return *d.msg.Subject
	}
	if v, ok := d.msg.ApplicationProperties["subject"].(string); ok {
		return v
	}
	return ""
}

func (d *serviceBusDelivery) Data() []byte          { return d.msg.Body }
func (d *serviceBusDelivery) Source() string        { return d.source }
func (d *serviceBusDelivery) NumDelivered() uint64  { return uint64(d.msg.DeliveryCount) }
func (d *serviceBusDelivery) ReceivedAt() time.Time { return d.receivedAt }

func (d *serviceBusDelivery) Sequence() uint64 {
	if d.msg.SequenceNumber == nil {
		return 0
	}
	return uint64(*d.msg.SequenceNumber)
}

func (d *serviceBusDelivery) Ack(ctx context.Context) error {
	return d.receiver.CompleteMessage(ctx, d.msg, nil)
}

func (d *serviceBusDelivery) Nak(ctx context.Context) error {
	return d.receiver.AbandonMessage(ctx, d.msg, nil)
}
