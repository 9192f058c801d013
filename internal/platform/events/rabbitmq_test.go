package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeChannel struct {
	mu     sync.Mutex
	err    error
	sent   []amqp.Publishing
	keys   []string
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func testEvent(t *testing.T) Event {
	t.Helper()
	evt, err := New(AppointmentBooked, "smile", map[string]string{"appointment_id": "a-1"},
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return evt
}

func TestNew(t *testing.T) {
	evt := testEvent(t)
	if evt.ID == "" || evt.Type != AppointmentBooked || evt.TenantID != "smile" {
		t.Errorf("unexpected event %+v", evt)
	}
	if string(evt.Payload) != `{"appointment_id":"a-1"}` {
		t.Errorf("unexpected payload %s", evt.Payload)
	}
	if _, err := New(AppointmentBooked, "smile", func() {}, time.Now()); err == nil {
		t.Error("expected an error for an unencodable payload")
	}
}

func TestPublish_SendsPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, DefaultExchange, DefaultBreakerConfig(), zerolog.Nop())
	evt := testEvent(t)

	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ch.sent) != 1 || ch.keys[0] != AppointmentBooked {
		t.Fatalf("expected one message on %s, got %v", AppointmentBooked, ch.keys)
	}
	msg := ch.sent[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != evt.ID {
		t.Errorf("unexpected message properties %+v", msg)
	}
	if msg.Headers["tenant_id"] != "smile" {
		t.Errorf("expected tenant header, got %v", msg.Headers)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded.ID != evt.ID {
		t.Errorf("expected the event as the body, got %s (%v)", msg.Body, err)
	}
}

func TestPublish_BreakerOpensAfterFailures(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	bc := BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, FailureThreshold: 2}
	p := newPublisher(ch, DefaultExchange, bc, zerolog.Nop())
	evt := testEvent(t)

	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), evt)
		if err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected broker error, got %v", i+1, err)
		}
	}
	if err := p.Publish(context.Background(), evt); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once open, got %v", err)
	}
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, DefaultExchange, DefaultBreakerConfig(), zerolog.Nop())
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ch.closed {
		t.Error("expected channel to be closed")
	}
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher(zerolog.Nop())
	if err := p.Publish(context.Background(), testEvent(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPing_WithoutConnection(t *testing.T) {
	p := newPublisher(&fakeChannel{}, DefaultExchange, DefaultBreakerConfig(), zerolog.Nop())
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail without a broker connection")
	}
}
