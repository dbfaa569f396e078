package messagepipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrDispatcherNotRunning is returned when a message is dispatched before Open.
	// It indicates a lifecycle defect rather than bad input.
	ErrDispatcherNotRunning = errors.New("dispatcher is not running")
	// ErrDispatcherClosed is returned when a message is dispatched during or after shutdown.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	// ErrHandoffTimeout is returned when the queue stayed full for longer than the handoff wait.
	ErrHandoffTimeout = errors.New("dispatch queue full")
)

type dispatcherState int

const (
	stateIdle dispatcherState = iota
	stateOpen
	stateClosed
)

// DispatcherConfig holds configuration for a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the number of messages waiting for a worker.
	QueueSize int
	// HandoffWait is how long Dispatch may block on a full queue before dropping.
	HandoffWait time.Duration
}

// NewDispatcherDefaults returns a DispatcherConfig with sensible defaults.
func NewDispatcherDefaults() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   1000,
		HandoffWait: 250 * time.Millisecond,
	}
}

// Dispatcher bridges a broker delivery callback, which runs on a goroutine owned by
// the broker client, onto a bounded queue drained by the worker pool. Dispatch never
// blocks for longer than HandoffWait.
type Dispatcher struct {
	queue       chan Message
	handoffWait time.Duration
	logger      zerolog.Logger

	mu    sync.RWMutex
	state dispatcherState
}

// NewDispatcher creates a Dispatcher. It rejects messages until Open is called.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	return &Dispatcher{
		queue:       make(chan Message, cfg.QueueSize),
		handoffWait: cfg.HandoffWait,
		logger:      logger.With().Str("component", "Dispatcher").Logger(),
	}
}

// Messages returns the queue read by the workers. It is closed by Close.
func (d *Dispatcher) Messages() <-chan Message {
	return d.queue
}

// Open starts accepting messages.
func (d *Dispatcher) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateIdle {
		d.state = stateOpen
	}
}

// Close stops accepting messages and closes the queue once any in-progress
// Dispatch calls have returned. Messages already queued stay readable.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateClosed {
		return
	}
	d.state = stateClosed
	close(d.queue)
}

// Len reports the number of queued messages.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Dispatch enqueues msg for processing and returns as soon as it is queued.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch d.state {
	case stateIdle:
		return ErrDispatcherNotRunning
	case stateClosed:
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- msg:
		return nil
	default:
	}

	if d.handoffWait <= 0 {
		return ErrHandoffTimeout
	}
	timer := time.NewTimer(d.handoffWait)
	defer timer.Stop()

	select {
	case d.queue <- msg:
		return nil
	case <-timer.C:
		d.logger.Warn().Int("queue_len", len(d.queue)).Dur("waited", d.handoffWait).Msg("Dispatch queue stayed full.")
		return ErrHandoffTimeout
	case <-ctx.Done():
		return ErrDispatcherClosed
	}
}
