package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Forwarder delivers an Envelope downstream. Implementations make exactly one attempt.
type Forwarder interface {
	Forward(ctx context.Context, env *Envelope) error
	Stop(ctx context.Context) error
}

// StatusError reports a parser response other than 200 OK.
type StatusError struct {
	StatusCode int
	Envelope   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("parser did not accept message with status %d, for message: %s", e.StatusCode, e.Envelope)
}

// HTTPForwarderConfig holds configuration for an HTTPForwarder.
type HTTPForwarderConfig struct {
	URL     string
	Timeout time.Duration
}

// HTTPForwarder POSTs envelopes to the parser service.
type HTTPForwarder struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPForwarder creates an HTTPForwarder. A nil client gets a dedicated http.Client.
func NewHTTPForwarder(cfg HTTPForwarderConfig, client *http.Client, logger zerolog.Logger) (*HTTPForwarder, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid parser URL %q: %w", cfg.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid parser URL %q: must be an absolute http(s) URL", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("forward timeout must be positive")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPForwarder{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  client,
		logger:  logger.With().Str("component", "HTTPForwarder").Str("parser_url", cfg.URL).Logger(),
	}, nil
}

// EncodeBody serializes env and then encodes that document as a JSON string, which is
// the body format the parser service expects.
func EncodeBody(env *Envelope) ([]byte, []byte, error) {
	doc, err := Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(string(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return doc, body, nil
}

// Forward makes one POST attempt bounded by the configured timeout.
func (f *HTTPForwarder) Forward(ctx context.Context, env *Envelope) error {
	doc, body, err := EncodeBody(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("error making web request for message %s: %w", env.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Envelope: doc}
	}
	return nil
}

// Stop releases idle connections.
func (f *HTTPForwarder) Stop(_ context.Context) error {
	f.client.CloseIdleConnections()
	f.logger.Info().Msg("HTTP forwarder stopped.")
	return nil
}
