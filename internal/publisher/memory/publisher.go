// Package memory contains an in-memory publisher used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every published payload, indexed by topic.
type Publisher struct {
	mu      sync.RWMutex
	seq     int
	log     []PublishedMessage
	byTopic map[string][]int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]int)}
}

// Publish records payload under topic. IDs are sequential per publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.byTopic[topic] = append(p.byTopic[topic], len(p.log))
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns every recorded publish in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.log...)
}

// Payloads returns the payloads published to topic, oldest first.
func (p *Publisher) Payloads(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := p.byTopic[topic]
	out := make([]any, 0, len(idx))
	for _, i := range idx {
		out = append(out, p.log[i].Payload)
	}
	return out
}
