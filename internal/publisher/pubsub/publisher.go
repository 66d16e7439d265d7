// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/hnsnap/internal/telemetry"
)

type publishFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher sends JSON payloads to Pub/Sub topics. Topic handles are created
// lazily and reused; Stop flushes them.
type Publisher struct {
	publish publishFunc
	stop    func()
	attrs   map[string]string

	// propagator defaults to the otel global one.
	propagator propagation.TextMapPropagator
}

// New returns a Publisher using client. attrs are attached to every message.
func New(client *pubsub.Client, attrs map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	var (
		mu     sync.Mutex
		topics = make(map[string]*pubsub.Topic)
	)
	publish := func(ctx context.Context, name string, msg *pubsub.Message) (string, error) {
		mu.Lock()
		topic, ok := topics[name]
		if !ok {
			topic = client.Topic(name)
			topics[name] = topic
		}
		mu.Unlock()
		return topic.Publish(ctx, msg).Get(ctx)
	}
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range topics {
			t.Stop()
		}
	}
	return newPublisher(publish, stop, attrs), nil
}

func newPublisher(publish publishFunc, stop func(), attrs map[string]string) *Publisher {
	return &Publisher{publish: publish, stop: stop, attrs: attrs}
}

// Publish marshals the payload to JSON, injects the trace context of ctx into
// the message attributes and waits for the server message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(p.attrs)+2)}
	for k, v := range p.attrs {
		msg.Attributes[k] = v
	}
	prop := p.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	prop.Inject(ctx, telemetry.AttributesCarrier(msg.Attributes))
	id, err := p.publish(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages on every topic handle.
func (p *Publisher) Stop() {
	if p.stop != nil {
		p.stop()
	}
}
