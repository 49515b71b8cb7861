package adapter

import (
	"context"

	"github.com/mohitkumar/flowsync/messaging"
)

// KafkaAdapter publishes writes to a topic keyed by idempotency token so
// consumers can discard redeliveries. It is write only.
type KafkaAdapter struct {
	name     string
	producer *messaging.Producer
}

var _ Adapter = new(KafkaAdapter)

func NewKafkaAdapter(name string, producer *messaging.Producer) *KafkaAdapter {
	return &KafkaAdapter{name: name, producer: producer}
}

func (k *KafkaAdapter) Name() string {
	return k.name
}

func (k *KafkaAdapter) Write(ctx context.Context, req WriteRequest) (map[string]any, error) {
	headers := map[string]string{IDEMPOTENCY_HEADER: req.Token, "kind": string(req.Kind)}
	if err := k.producer.Send(ctx, req.Token, req, headers); err != nil {
		return nil, Retryable(k.name, "publish failed", err)
	}
	return map[string]any{"system": k.name, "topic": k.producer.Topic(), "token": req.Token}, nil
}

func (k *KafkaAdapter) Read(ctx context.Context, entityId string) (map[string]any, error) {
	return nil, Terminal(k.name, "reads are not supported by a kafka backed system", nil)
}
