package tagger

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// RelayConfig holds the pipeline sizing for a Relay.
type RelayConfig struct {
	NumWorkers      int
	MinPayloadBytes int
	MaxPayloadBytes int
}

// Relay is the application context: it owns the consumer-driven streaming service and
// the forwarder, and nothing else is shared between messages.
type Relay struct {
	service   *messagepipeline.StreamingService[Envelope]
	forwarder Forwarder
	logger    zerolog.Logger
}

// NewRelay assembles consumer -> decode/tag -> forward.
func NewRelay(
	cfg RelayConfig,
	consumer messagepipeline.MessageConsumer,
	tagger *Tagger,
	forwarder Forwarder,
	logger zerolog.Logger,
) (*Relay, error) {
	if tagger == nil {
		return nil, fmt.Errorf("tagger cannot be nil")
	}
	if forwarder == nil {
		return nil, fmt.Errorf("forwarder cannot be nil")
	}

	transformer := messagepipeline.WithPayloadValidation(
		tagger.Transformer(),
		cfg.MinPayloadBytes,
		cfg.MaxPayloadBytes,
		logger,
	)

	service, err := messagepipeline.NewStreamingService[Envelope](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumWorkers},
		consumer,
		transformer,
		tagger.Processor(forwarder),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	return &Relay{
		service:   service,
		forwarder: forwarder,
		logger:    logger.With().Str("component", "Relay").Logger(),
	}, nil
}

// Start launches the workers and connects the consumer.
func (r *Relay) Start(ctx context.Context) error {
	return r.service.Start(ctx)
}

// Stop stops the consumer, waits for in-flight messages within ctx, then stops the forwarder.
func (r *Relay) Stop(ctx context.Context) error {
	serviceErr := r.service.Stop(ctx)
	if err := r.forwarder.Stop(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Error stopping forwarder.")
	}
	if serviceErr != nil {
		return fmt.Errorf("relay did not drain before deadline: %w", serviceErr)
	}
	r.logger.Info().Msg("Relay stopped.")
	return nil
}
