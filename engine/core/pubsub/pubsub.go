package pubsub

import (
	"context"
	"time"
)

// Message is one published payload. Payload is JSON encoded by the publisher.
type Message struct {
	Topic     string
	Payload   []byte
	Sequence  int64     // Monotonically increasing per topic
	Timestamp time.Time // When the message was published
}

// Subscription represents a consumer's connection to a topic.
type Subscription interface {
	Chan() <-chan *Message
	Close() error
}

// PubSub is the event bus used for want change notifications.
type PubSub interface {
	Publish(topic string, payload []byte) (*Message, error)
	// Subscribe replays retained messages with Sequence > after before live
	// delivery starts. Pass a negative after to skip replay.
	Subscribe(topic, consumerID string, after int64) (Subscription, error)
	Unsubscribe(topic, consumerID string) error
	IsSubscribed(topic, consumerID string) bool
	Close() error
}

// SubscriptionImpl implements the Subscription interface.
type SubscriptionImpl struct {
	MsgChan <-chan *Message
	Ctx     context.Context
	Cancel  context.CancelFunc
}

func (s *SubscriptionImpl) Chan() <-chan *Message {
	return s.MsgChan
}

func (s *SubscriptionImpl) Close() error {
	if s.Cancel != nil {
		s.Cancel()
	}
	return nil
}
