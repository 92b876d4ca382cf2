package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

// consumer is a Kafka consumer-group backed messaging.Consumer.
type consumer struct {
	group sarama.ConsumerGroup
	topic string
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return messaging.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	return c.group.Close()
}

// groupHandler bridges sarama's ConsumerGroupHandler callbacks to a single
// MessageHandler, marking each message consumed on success.
type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			m := &messaging.Message{
				Topic:     msg.Topic,
				Key:       msg.Key,
				Payload:   msg.Value,
				Timestamp: msg.Timestamp,
				Headers:   make(map[string]string, len(msg.Headers)),
				Metadata: messaging.MessageMetadata{
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Raw:       msg,
				},
			}
			for _, rh := range msg.Headers {
				key := string(rh.Key)
				if key == "message-id" {
					m.ID = string(rh.Value)
					continue
				}
				m.Headers[key] = string(rh.Value)
			}

			if err := h.handler(sess.Context(), m); err != nil {
				// leave unmarked so the broker redelivers per its retry policy
				continue
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
