// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Publisher publishes JSON payloads, creating one topic publisher per topic
// on first use.
type Publisher struct {
	client *pubsub.Client
	attrs  map[string]string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher. attrs are attached to every message, for example
// the run ID.
func New(client *pubsub.Client, attrs map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &Publisher{
		client:     client,
		attrs:      attrs,
		publishers: make(map[string]*pubsub.Publisher),
	}, nil
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(p.attrs))}
	for k, v := range p.attrs {
		msg.Attributes[k] = v
	}

	result := p.topic(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, name)
	}
}

func (p *Publisher) topic(name string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[name]
	if !ok {
		pub = p.client.Publisher(name)
		p.publishers[name] = pub
	}
	return pub
}
