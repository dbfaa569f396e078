// Package tagger implements the enrichment pipeline of the relay: each inbound MQTT
// payload is decoded as JSON, wrapped in an Envelope carrying a fresh id and a UTC
// timestamp, serialized, and handed to a Forwarder.
//
// Every per-message failure is returned to the streaming service, which logs it once
// and drops the message. There is no retry and no dead-letter queue.
package tagger
