// Package kafka adapts github.com/IBM/sarama to the messaging.Broker
// contract.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

// Config configures the Kafka broker connection.
type Config struct {
	Brokers  []string `env:"KAFKA_BROKERS" validate:"required"`
	ClientID string   `env:"KAFKA_CLIENT_ID" env-default:"system-design-library"`

	RequiredAcks int16 `env:"KAFKA_REQUIRED_ACKS" env-default:"-1"` // sarama.WaitForAll
	MaxRetries   int   `env:"KAFKA_MAX_RETRIES" env-default:"3"`
}

// Broker is a sarama-backed messaging.Broker.
type Broker struct {
	cfg    Config
	client sarama.Client
}

// New dials the configured Kafka brokers and returns a Broker.
func New(cfg Config) (*Broker, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	saramaCfg.Producer.Retry.Max = cfg.MaxRetries
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client}, nil
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	syncProducer, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &producer{broker: b, topic: topic, producer: syncProducer}, nil
}

func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	cg, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &consumer{group: cg, topic: topic}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Healthy(ctx context.Context) bool {
	brokers := b.client.Brokers()
	for _, broker := range brokers {
		if ok, _ := broker.Connected(); ok {
			return true
		}
	}
	return false
}
