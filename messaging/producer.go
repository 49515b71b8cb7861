package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
}

// MessageWriter is the part of kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ MessageWriter = new(kafka.Writer)

func NewWriter(conf Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(conf.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Producer publishes JSON encoded values to one topic.
type Producer struct {
	writer MessageWriter
	topic  string
}

func NewProducer(writer MessageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic}
}

func (p *Producer) Topic() string {
	return p.topic
}

func (p *Producer) Send(ctx context.Context, key string, v any, headers map[string]string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: p.topic, Key: []byte(key), Value: b}
	for k, val := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(val)})
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// MemoryWriter collects messages in process. Err, when set, is returned by
// every write.
type MemoryWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	Err      error
	closed   bool
}

var _ MessageWriter = new(MemoryWriter)

func (w *MemoryWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *MemoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *MemoryWriter) SetErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Err = err
}

func (w *MemoryWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Message, len(w.messages))
	copy(out, w.messages)
	return out
}
