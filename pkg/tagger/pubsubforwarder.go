package tagger

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// PubsubForwarder publishes envelope documents to a Pub/Sub topic so that parsers can
// pull them instead of receiving POSTs.
type PubsubForwarder struct {
	publisher messagepipeline.SimplePublisher
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewPubsubForwarder wraps publisher. Each publish waits at most timeout for confirmation.
func NewPubsubForwarder(publisher messagepipeline.SimplePublisher, timeout time.Duration, logger zerolog.Logger) (*PubsubForwarder, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("forward timeout must be positive")
	}
	return &PubsubForwarder{
		publisher: publisher,
		timeout:   timeout,
		logger:    logger.With().Str("component", "PubsubForwarder").Logger(),
	}, nil
}

// Forward publishes the envelope document once. The id and timestamp are copied into
// message attributes so subscribers can filter without decoding.
func (f *PubsubForwarder) Forward(ctx context.Context, env *Envelope) error {
	doc, err := Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	attrs := map[string]string{"uuid": env.ID, "timestamp": env.Timestamp}
	if _, err := f.publisher.Publish(ctx, doc, attrs); err != nil {
		return fmt.Errorf("error publishing message %s: %w", env.ID, err)
	}
	return nil
}

// Stop flushes the underlying publisher.
func (f *PubsubForwarder) Stop(ctx context.Context) error {
	return f.publisher.Stop(ctx)
}
