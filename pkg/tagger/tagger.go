package tagger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/illmade-knight/go-tagger/pkg/metrics"
	"github.com/rs/zerolog"
)

// Option customises a Tagger.
type Option func(*Tagger)

// WithIDGenerator replaces NewID.
func WithIDGenerator(fn func() string) Option {
	return func(t *Tagger) {
		t.newID = fn
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(t *Tagger) {
		t.now = fn
	}
}

// Tagger builds Envelopes and provides the transformer and processor stages that
// plug it into a messagepipeline.StreamingService.
type Tagger struct {
	newID   func() string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewTagger creates a Tagger.
func NewTagger(m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Tagger {
	t := &Tagger{
		newID:   NewID,
		now:     time.Now,
		metrics: m,
		logger:  logger.With().Str("component", "Tagger").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tag wraps data in a new Envelope with a fresh id and the current UTC time.
func (t *Tagger) Tag(data any) *Envelope {
	return &Envelope{
		Data:      data,
		ID:        t.newID(),
		Timestamp: FormatTimestamp(t.now()),
	}
}

// Transformer returns the decode and tag stage.
func (t *Tagger) Transformer() messagepipeline.MessageTransformer[Envelope] {
	return func(_ context.Context, msg *messagepipeline.Message) (*Envelope, bool, error) {
		data, err := Decode(msg.Payload)
		if err != nil {
			t.metrics.DecodeFailures.Inc()
			return nil, false, fmt.Errorf("failed to decode message: %w", err)
		}
		env := t.Tag(data)
		t.logger.Debug().Str("msg_id", msg.ID).Str("uuid", env.ID).Msg("Tagged message.")
		return env, false, nil
	}
}

// Processor returns the forward stage. Errors carry enough detail for a single log
// line: the status code or transport cause, and the envelope.
func (t *Tagger) Processor(forwarder Forwarder) messagepipeline.StreamProcessor[Envelope] {
	return func(ctx context.Context, _ messagepipeline.Message, env *Envelope) error {
		start := time.Now()
		err := forwarder.Forward(ctx, env)
		elapsed := time.Since(start)

		var statusErr *StatusError
		switch {
		case err == nil:
			t.metrics.ObserveForward(metrics.OutcomeSuccess, elapsed)
			t.logger.Debug().Str("uuid", env.ID).Dur("elapsed", elapsed).Msg("Envelope forwarded.")
			return nil
		case errors.As(err, &statusErr):
			t.metrics.ObserveForward(metrics.OutcomeRejected, elapsed)
		default:
			t.metrics.ObserveForward(metrics.OutcomeTransport, elapsed)
		}
		return err
	}
}
