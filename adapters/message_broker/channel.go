package message_broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/utils/log"
)

var ErrClosed = errors.New("message broker is closed")

const defaultBuffer = 100

type subscriber struct {
	routingKey string
	ch         chan domain.Message
}

// ChannelMessageBroker implements MessageBroker using Go channels. Every
// subscriber gets its own buffered channel; a full subscriber misses the
// message instead of blocking the publisher.
type ChannelMessageBroker struct {
	topics map[string]map[*subscriber]struct{}
	buffer int
	mu     sync.RWMutex
	closed bool
}

// NewChannelMessageBroker creates a new channel-based message broker
func NewChannelMessageBroker() *ChannelMessageBroker {
	return &ChannelMessageBroker{
		topics: make(map[string]map[*subscriber]struct{}),
		buffer: defaultBuffer,
	}
}

// Publish delivers a message to every subscriber of topic whose routing key
// matches or is empty.
func (b *ChannelMessageBroker) Publish(ctx context.Context, topic string, routingKey string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := domain.Message{
		Topic:      topic,
		RoutingKey: routingKey,
		Payload:    message,
		Timestamp:  time.Now(),
	}

	delivered := 0
	for sub := range b.topics[topic] {
		if sub.routingKey != "" && sub.routingKey != routingKey {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			log.WithCtx(ctx).Warn("Subscriber channel full, dropping message",
				zap.String("topic", topic),
				zap.String("routingKey", routingKey))
		}
	}

	log.WithCtx(ctx).Debug("Message published to topic",
		zap.String("topic", topic),
		zap.String("routingKey", routingKey),
		zap.Int("payload_size", len(message)),
		zap.Int("delivered", delivered))
	return nil
}

// Subscribe registers a subscriber until ctx is done, then closes its channel.
func (b *ChannelMessageBroker) Subscribe(ctx context.Context, topic string, routingKey string) (<-chan domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{routingKey: routingKey, ch: make(chan domain.Message, b.buffer)}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, sub)
	}()

	log.WithCtx(ctx).Debug("Subscribed to topic", zap.String("topic", topic), zap.String("routingKey", routingKey))
	return sub.ch, nil
}

func (b *ChannelMessageBroker) unsubscribe(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Close closes the message broker and all subscriber channels
func (b *ChannelMessageBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[*subscriber]struct{})

	log.With().Info("Message broker closed")
	return nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *ChannelMessageBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// IsClosed returns whether the broker is closed
func (b *ChannelMessageBroker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
