package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/solboard/service/pubsub"
	"github.com/nats-io/nats.go/jetstream"
)

// Tail attaches an ephemeral consumer to the event stream and calls handle
// for every event until ctx is done. With all set, delivery starts at the
// beginning of the stream instead of with new events only.
func Tail(ctx context.Context, js jetstream.JetStream, address string, all bool, logger *slog.Logger, handle func(pubsub.Event) error) error {
	policy := jetstream.DeliverNewPolicy
	if all {
		policy = jetstream.DeliverAllPolicy
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: FilterSubject(address),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: policy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgs := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			event, err := DecodeEvent(msg.Data())
			if err != nil {
				logger.Warn("skipping undecodable message", "subject", msg.Subject(), "error", err)
				_ = msg.Ack()
				continue
			}
			if err := handle(event); err != nil {
				_ = msg.Nak()
				return err
			}
			_ = msg.Ack()
		}
	}
}
