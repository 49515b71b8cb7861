package model

import "time"

type EventType string

const (
	FORM_SUBMISSION EventType = "form_submission"
	PAYMENT         EventType = "payment"
	SCHEDULE        EventType = "schedule"
	WEBHOOK         EventType = "webhook"
	DATABASE_UPDATE EventType = "database_update"
)

var EVENT_TYPES = []EventType{FORM_SUBMISSION, PAYMENT, SCHEDULE, WEBHOOK, DATABASE_UPDATE}

func (t EventType) Valid() bool {
	for _, et := range EVENT_TYPES {
		if et == t {
			return true
		}
	}
	return false
}

// RawEvent is an inbound event as delivered by an external system, before
// normalization.
type RawEvent struct {
	Source     string         `json:"source"`
	EventType  EventType      `json:"eventType"`
	ExternalId string         `json:"externalId,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Event is the normalized, immutable form of a RawEvent.
type Event struct {
	Id             string    `json:"id"`
	Source         string    `json:"source"`
	Type           EventType `json:"eventType"`
	ExternalId     string    `json:"externalId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Fields         Fields    `json:"fields"`
	ReceivedAt     time.Time `json:"receivedAt"`
}
