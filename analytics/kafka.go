package analytics

import (
	"context"
	"time"

	"github.com/mohitkumar/flowsync/messaging"
)

// KafkaSink publishes records to a topic keyed by execution id.
type KafkaSink struct {
	producer *messaging.Producer
	timeout  time.Duration
}

var _ Sink = new(KafkaSink)

func NewKafkaSink(producer *messaging.Producer) *KafkaSink {
	return &KafkaSink{producer: producer, timeout: 10 * time.Second}
}

func (k *KafkaSink) Name() string {
	return "kafka"
}

func (k *KafkaSink) WriteAttempt(r AttemptRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.producer.Send(ctx, r.ExecutionId, r, map[string]string{"record": "attempt"})
}

func (k *KafkaSink) WriteExecution(r ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.producer.Send(ctx, r.ExecutionId, r, map[string]string{"record": "execution"})
}
