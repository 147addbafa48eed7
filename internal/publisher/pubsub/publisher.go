// Package pubsub publishes batch notices to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/archive-bundle-iterator/internal/publisher"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(p *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// Publish marshals the notice to JSON and publishes it with routing
// attributes and the caller's trace context.
func (p *Publisher) Publish(ctx context.Context, notice publisher.BatchNotice) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := message(ctx, notice)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish batch notice: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.publisher != nil {
		p.publisher.Stop()
	}
}

func message(ctx context.Context, notice publisher.BatchNotice) (*pubsub.Message, error) {
	data, err := json.Marshal(notice)
	if err != nil {
		return nil, fmt.Errorf("marshal batch notice: %w", err)
	}
	attrs := notice.Attributes()
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
