package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/userhub/apiserver/types"
)

// Type identifies a user lifecycle event.
type Type string

const (
	TypeRegistered      Type = "user.registered"
	TypeDeactivated     Type = "user.deactivated"
	TypePasswordChanged Type = "user.password_changed"
	TypeDeleted         Type = "user.deleted"
)

// Event is the JSON payload published for each lifecycle transition.
// Password material never appears here.
type Event struct {
	Type   Type      `json:"type"`
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	At     time.Time `json:"at"`
}

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the publisher.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Publisher emits user lifecycle events to a fixed channel.
type Publisher struct {
	backend Backend
	channel string
}

// NewPublisher constructs a Publisher over the provided backend.
func NewPublisher(backend Backend, channel string) *Publisher {
	return &Publisher{backend: backend, channel: channel}
}

// Publish marshals the event for user and sends it. The event type is
// duplicated into message attributes so subscribers can filter without
// decoding the body.
func (p *Publisher) Publish(ctx context.Context, eventType Type, user types.User) error {
	event := Event{
		Type:   eventType,
		UserID: user.ID,
		Email:  user.Email,
		At:     time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	attrs := map[string]string{"type": string(eventType)}
	_, err = p.backend.Publish(ctx, p.channel, data, attrs)
	return err
}

// Subscribe consumes lifecycle events from the publisher's channel.
func (p *Publisher) Subscribe(ctx context.Context, handler Handler) error {
	return p.backend.Subscribe(ctx, p.channel, handler)
}

// Close closes the underlying backend.
func (p *Publisher) Close() error {
	return p.backend.Close()
}

// NoopBackend discards events. Used when no broker is configured so the
// rest of the application can publish unconditionally.
type NoopBackend struct{}

func NewNoopBackend() *NoopBackend {
	return &NoopBackend{}
}

func (*NoopBackend) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

func (*NoopBackend) Subscribe(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (*NoopBackend) Close() error {
	return nil
}
