package messagepipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// SimplePublisher defines a direct, non-batching publisher.
type SimplePublisher interface {
	// Publish sends a single message and blocks until the broker confirms it.
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GoogleSimplePublisherConfig holds configuration for a GoogleSimplePublisher.
type GoogleSimplePublisherConfig struct {
	TopicID            string
	TopicExistsTimeout time.Duration
}

// NewGoogleSimplePublisherDefaults provides a config with sensible defaults.
func NewGoogleSimplePublisherDefaults(topicID string) *GoogleSimplePublisherConfig {
	return &GoogleSimplePublisherConfig{
		TopicID:            topicID,
		TopicExistsTimeout: 15 * time.Second,
	}
}

// GoogleSimplePublisher implements a direct-to-Pub/Sub publisher.
type GoogleSimplePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGoogleSimplePublisher creates a new simple, non-batching publisher.
// It verifies that the target topic exists before returning.
func NewGoogleSimplePublisher(ctx context.Context, cfg *GoogleSimplePublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(cfg.TopicID)
	// Each envelope is confirmed individually, so client-side batching only adds latency.
	topic.PublishSettings.CountThreshold = 1

	existsCtx := ctx
	if cfg.TopicExistsTimeout > 0 {
		var cancel context.CancelFunc
		existsCtx, cancel = context.WithTimeout(ctx, cfg.TopicExistsTimeout)
		defer cancel()
	}
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &GoogleSimplePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish sends a single message to Pub/Sub and waits for the server-assigned ID,
// respecting the context's deadline.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	p.logger.Debug().Str("published_msg_id", msgID).Msg("Message sent successfully.")
	return msgID, nil
}

// Stop flushes any pending messages for the topic, respecting the context's timeout.
func (p *GoogleSimplePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
