package messagepipeline

import (
	"time"
)

// Message is the canonical, internal representation of an event flowing through the
// pipeline. It contains the core data, metadata, and acknowledgment handles.
type Message struct {
	// MessageData contains the core payload.
	MessageData

	// Attributes holds metadata from the message broker (e.g. the MQTT topic).
	Attributes map[string]string

	// Ack is a function to call to signal that processing was successful.
	Ack func()

	// Nack is a function to call to signal that processing has failed.
	// For MQTT sources the broker handshake is already complete, so both are no-ops.
	Nack func()
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is the identifier assigned by the source broker. It is only used for log
	// correlation and is not guaranteed to be unique.
	ID string `json:"id"`

	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`

	// ReceiveTime is the instant the message was handed to the pipeline.
	ReceiveTime time.Time `json:"receiveTime"`
}

// AttrTopic is the attribute key under which consumers store the source topic.
const AttrTopic = "mqtt_topic"

// Topic returns the source topic recorded by the consumer, if any.
func (m Message) Topic() string {
	return m.Attributes[AttrTopic]
}

func noop() {}
