// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Attributer lets a payload contribute message attributes (event type, job id)
// so subscribers can filter without decoding the body.
type Attributer interface {
	Attributes() map[string]string
}

type topicPublisher interface {
	publish(ctx context.Context, msg *pubsub.Message) (string, error)
	stop()
}

type clientTopic struct {
	topic *pubsub.Topic
}

func (c clientTopic) publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	id, err := c.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("await publish result: %w", err)
	}
	return id, nil
}

func (c clientTopic) stop() {
	c.topic.Stop()
}

// Publisher publishes JSON payloads, keeping one topic handle per topic id.
type Publisher struct {
	mu     sync.Mutex
	topics map[string]topicPublisher
	open   func(id string) topicPublisher
}

// New creates a Publisher over the provided client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{
		topics: make(map[string]topicPublisher),
		open: func(id string) topicPublisher {
			if client == nil {
				return nil
			}
			return clientTopic{topic: client.Topic(id)}
		},
	}
}

// Publish marshals the payload to JSON and publishes it to the topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	t := p.topic(topic)
	if t == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributer); ok {
		msg.Attributes = a.Attributes()
	}
	id, err := t.publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops every topic handle.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.topics {
		t.stop()
		delete(p.topics, id)
	}
}

func (p *Publisher) topic(id string) topicPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.open(id)
	if t != nil {
		p.topics[id] = t
	}
	return t
}
