// Package tests provides a shared conformance suite that every
// messaging.Broker adapter can run against, so each adapter's _test.go only
// needs to construct the broker and hand it off.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

// RunBrokerTests exercises publish/consume round-tripping against any
// messaging.Broker implementation.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Helper()

	t.Run("publish and consume", func(t *testing.T) {
		topic := "tests.roundtrip"
		producer, err := broker.Producer(topic)
		if err != nil {
			t.Fatalf("Producer: %v", err)
		}
		defer producer.Close()

		consumer, err := broker.Consumer(topic, "test-group")
		if err != nil {
			t.Fatalf("Consumer: %v", err)
		}
		defer consumer.Close()

		received := make(chan *messaging.Message, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		go func() {
			_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
				received <- msg
				return nil
			})
		}()

		if err := producer.Publish(ctx, &messaging.Message{Topic: topic, Payload: []byte("hello")}); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload %q, got %q", "hello", msg.Payload)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("healthy", func(t *testing.T) {
		if !broker.Healthy(context.Background()) {
			t.Error("expected broker to report healthy before Close")
		}
	})
}
