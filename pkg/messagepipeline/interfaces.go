package messagepipeline

import (
	"context"
)

// ====================================================================================
// This file defines the core interfaces and function types for the relay pipeline.
// It outlines the contracts for consuming, transforming, and processing messages.
// ====================================================================================

// --- Stage 1: Consumer ---

// MessageConsumer defines the interface for a message source (e.g. an MQTT subscription).
// It is responsible for receiving messages and handing them off to the pipeline.
type MessageConsumer interface {
	// Messages returns a read-only channel from which pipeline workers will receive messages.
	Messages() <-chan Message
	// Start begins the consumption process (e.g. by connecting and subscribing).
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption and closes the Messages channel.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// --- Stage 2: Transformer ---

// MessageTransformer defines a function that transforms a generic `Message` into a
// new, structured payload of type T.
//
// The 'skip' return value can be set to true to signal that this message should
// be acknowledged and not processed further, effectively filtering it from the pipeline.
//
// The implementation should populate the returned payload struct (T) with raw data and
// leave serialization to the processor stage.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// --- Stage 3: Processor ---

// StreamProcessor defines the contract for an endpoint that handles transformed
// messages of type T one by one. The implementation should return an error if
// processing fails; the pipeline logs it and Nacks the message.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
