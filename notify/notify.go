package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/messaging"
	"github.com/mohitkumar/flowsync/model"
	"go.uber.org/zap"
)

type Alert struct {
	Severity    model.Severity `json:"severity"`
	Component   string         `json:"component"`
	WorkflowId  string         `json:"workflowId,omitempty"`
	ExecutionId string         `json:"executionId,omitempty"`
	EntityId    string         `json:"entityId,omitempty"`
	Message     string         `json:"message"`
	Time        time.Time      `json:"time"`
}

// Notifier delivers administrator alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(alert.Severity)),
		zap.String("component", alert.Component),
		zap.String("workflowId", alert.WorkflowId),
		zap.String("executionId", alert.ExecutionId),
		zap.String("entityId", alert.EntityId),
		zap.Time("time", alert.Time),
	}
	if alert.Severity == model.SEVERITY_CRITICAL {
		logger.Error("ALERT "+alert.Message, fields...)
	} else {
		logger.Warn("ALERT "+alert.Message, fields...)
	}
	return nil
}

// KafkaNotifier publishes alerts to a topic, keyed by component.
type KafkaNotifier struct {
	producer *messaging.Producer
}

func NewKafkaNotifier(producer *messaging.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (k *KafkaNotifier) Notify(ctx context.Context, alert Alert) error {
	return k.producer.Send(ctx, alert.Component, alert, map[string]string{"severity": string(alert.Severity)})
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryNotifier keeps every alert in process.
type MemoryNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *MemoryNotifier) Notify(ctx context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryNotifier) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// BySeverity returns the alerts of one severity.
func (m *MemoryNotifier) BySeverity(s model.Severity) []Alert {
	var out []Alert
	for _, a := range m.Alerts() {
		if a.Severity == s {
			out = append(out, a)
		}
	}
	return out
}

// Send delivers an alert and logs, instead of returning, a delivery failure.
func Send(ctx context.Context, n Notifier, alert Alert) {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	if err := n.Notify(ctx, alert); err != nil {
		logger.Error("error in delivering alert", zap.String("component", alert.Component), zap.String("message", alert.Message), zap.Error(err))
	}
}
