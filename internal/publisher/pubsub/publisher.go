// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// attributer is implemented by payloads that carry filterable attributes,
// such as jobs.Notification.
type attributer interface {
	Attributes() map[string]string
}

// Publisher wraps a Pub/Sub topic publisher. The topic is fixed when the
// underlying publisher is created, so the topic argument to Publish only
// labels the message.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON, injects the trace context into the
// message attributes and waits for the server ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{"topic": topic}
	if a, ok := payload.(attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(attrs))

	id, err := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// carrier adapts message attributes to propagation.TextMapCarrier.
type carrier map[string]string

func (c carrier) Get(key string) string {
	return c[key]
}

func (c carrier) Set(key, value string) {
	c[key] = value
}

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
