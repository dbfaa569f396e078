package tagger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TimestampLayout is ISO-8601 with millisecond precision and an explicit "+00:00" offset.
const TimestampLayout = "2006-01-02T15:04:05.000-07:00"

var (
	// ErrInvalidEncoding is returned when a payload is not valid UTF-8.
	ErrInvalidEncoding = errors.New("payload is not valid UTF-8")
	// ErrInvalidDocument is returned when a payload is not a single JSON value.
	ErrInvalidDocument = errors.New("payload is not a valid JSON document")
)

// Envelope is a tagged message ready for forwarding. ID and Timestamp are assigned
// once by Tagger.Tag and never changed afterwards.
type Envelope struct {
	Data      any    `json:"data"`
	ID        string `json:"uuid"`
	Timestamp string `json:"timestamp"`
}

// Decode interprets payload as UTF-8 text holding exactly one JSON value.
// Numbers are kept as json.Number so they round-trip without losing precision.
// Only RFC 8259 JSON is accepted: NaN and Infinity literals are rejected.
func Decode(payload []byte) (any, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidEncoding
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after top-level value", ErrInvalidDocument)
	}
	return data, nil
}

// Marshal encodes the envelope as a JSON document.
func Marshal(env *Envelope) ([]byte, error) {
	doc, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope %s: %w", env.ID, err)
	}
	return doc, nil
}

// NewID returns a random (version 4) UUID as 32 lowercase hex characters.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
