package messagepipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// WithPayloadValidation is a decorator function. It takes an existing MessageTransformer
// and returns a new one that first performs payload size validation.
// Messages outside [minSize, maxSize] are skipped before the inner transformer runs.
// A maxSize of zero or less disables the upper bound.
func WithPayloadValidation[T any](
	innerTransformer MessageTransformer[T],
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) MessageTransformer[T] {
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		payloadLen := len(msg.Payload)
		if payloadLen < minSize || (maxSize > 0 && payloadLen > maxSize) {
			logger.Error().
				Str("msg_id", msg.ID).
				Str("topic", msg.Topic()).
				Int("payload_size", payloadLen).
				Msg("Rejecting message due to invalid payload size.")
			return nil, true, nil
		}
		return innerTransformer(ctx, msg)
	}
}
