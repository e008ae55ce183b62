package domain

import (
	"context"
	"time"
)

// MessageBroker defines the interface for message broker operations
type MessageBroker interface {
	// Publish sends a message to a specific topic/channel with a routing key
	Publish(ctx context.Context, topic string, routingKey string, message []byte) error

	// Subscribe listens for messages on a topic. An empty routing key receives
	// every routing key of the topic. The subscription ends when ctx is done.
	Subscribe(ctx context.Context, topic string, routingKey string) (<-chan Message, error)

	// Close closes the message broker connection
	Close() error
}

// Message represents a message received from the broker
type Message struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

// ConversationTopic carries transcript changes, routed by session ID.
const ConversationTopic = "conversation.events"

type EventType string

const (
	EventTurn    EventType = "turn"
	EventCleared EventType = "cleared"
	EventState   EventType = "state"
)

// ConversationEvent tells the presentation layer that a session changed.
type ConversationEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state,omitempty"`
	Index     int       `json:"index"`
	Turn      *Turn     `json:"turn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
