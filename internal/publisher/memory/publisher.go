// Package memory is an in-process stand-in for the Pub/Sub publisher. It
// encodes payloads the same way so tests catch events that would not
// serialize.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic      string
	Data       []byte
	Attributes map[string]string
	// Payload is the value handed to Publish, kept for typed assertions.
	Payload any
}

// Publisher keeps every published message for inspection.
type Publisher struct {
	defaultTopic string

	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns a Publisher; an empty topic on Publish falls back to defaultTopic.
func New(defaultTopic string) *Publisher {
	return &Publisher{defaultTopic: defaultTopic}
}

// FailWith makes subsequent publishes return err; nil restores normal behaviour.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

// Publish JSON-encodes payload, records it and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{Topic: topic, Data: data, Payload: payload}
	if a, ok := payload.(interface{ Attributes() map[string]string }); ok {
		msg.Attributes = a.Attributes()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
