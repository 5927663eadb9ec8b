package appkafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type EventType string

const (
	UserCreated EventType = "user_created"
	UserDeleted EventType = "user_deleted"
	Followed    EventType = "followed"
	Unfollowed  EventType = "unfollowed"
	PostCreated EventType = "post_created"
	PostUpdated EventType = "post_updated"
	PostDeleted EventType = "post_deleted"
)

// Event is a domain change published after a successful write. TargetID is the followee
// for graph events and the post for post events.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	UserID   int64     `json:"user_id"`
	TargetID int64     `json:"target_id,omitempty"`
	At       time.Time `json:"at"`
}

func NewEvent(t EventType, userID, targetID int64) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		UserID:   userID,
		TargetID: targetID,
		At:       time.Now().UTC(),
	}
}

// Message encodes the event. It is keyed by UserID so one user's events stay on one
// partition, in order.
func (e Event) Message() (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(strconv.FormatInt(e.UserID, 10)), Value: data}, nil
}

// DecodeEvent parses a message value written by Event.Message.
func DecodeEvent(value []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return Event{}, err
	}
	if e.Type == "" {
		return Event{}, errors.New("event without type")
	}
	return e, nil
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// KafkaPublisher writes events through a KafkaWriter.
type KafkaPublisher struct {
	writer KafkaWriter
}

func NewPublisher(w KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := e.Message()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return p.writer.WriteMessages(msg)
}

// NopPublisher drops every event. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
