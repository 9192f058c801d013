// Package events publishes scheduling domain events to a RabbitMQ topic
// exchange.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing keys.
const (
	AppointmentBooked      = "appointment.booked"
	AppointmentRescheduled = "appointment.rescheduled"
	AppointmentCancelled   = "appointment.cancelled"
	AppointmentStatus      = "appointment.status_changed"
	WaitlistSlotAvailable  = "waitlist.slot_available"
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a fresh ID.
func New(eventType, tenantID string, payload any, now time.Time) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: now.UTC(),
		Payload:    b,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}
