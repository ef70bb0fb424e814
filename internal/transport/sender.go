// Package transport delivers encoded media payloads to the telephony media
// socket bound to a call.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callbridge/internal/retry"
)

// SocketState is the lifecycle state of a media socket as seen by the sender.
type SocketState int

const (
	StateConnecting SocketState = iota // handshake not finished
	StateOpen                          // writable
	StateClosed                        // closed for good
)

func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the write side of a telephony media socket.
type Socket interface {
	State() SocketState
	WriteMessage(data []byte) error
}

var (
	// ErrDeliveryExhausted is returned when the socket never became writable
	// within the attempt budget. The payload is dropped.
	ErrDeliveryExhausted = errors.New("transport: delivery attempts exhausted")

	// ErrSocketClosed is returned when the socket or the sender has been
	// closed. Delivery after close is a no-op.
	ErrSocketClosed = errors.New("transport: socket closed")

	errNotOpen = errors.New("transport: socket not open")
)

// Config holds the sender's delivery policy.
type Config struct {
	// MaxAttempts is the number of delivery attempts per payload.
	MaxAttempts int
	// Interval is the wait between attempts while the socket is not open.
	Interval time.Duration
	// QueueSize bounds the number of payloads waiting for the worker.
	QueueSize int
	// Wait overrides the wait between attempts. Nil sleeps for Interval.
	Wait retry.WaitFunc
}

// DefaultConfig returns the production policy: five attempts one second apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Interval:    time.Second,
		QueueSize:   256,
	}
}

// Sender owns the outbound direction of one call's media socket. Payloads are
// queued without blocking and written by a single worker in FIFO order.
type Sender struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	socket Socket
	closed bool

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewSender creates a sender and starts its delivery worker.
func NewSender(cfg Config, logger *slog.Logger) *Sender {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:    cfg,
		logger: logger.With("subsystem", "media-sender"),
		queue:  make(chan []byte, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Bind attaches sock as the delivery target, replacing any previous socket.
// It returns the replaced socket, or nil.
func (s *Sender) Bind(sock Socket) Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.socket
	s.socket = sock
	return prev
}

// Bound returns the socket currently bound, or nil.
func (s *Sender) Bound() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

func (s *Sender) target() (Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket, s.closed
}

// Enqueue hands a payload to the delivery worker. It never blocks; when the
// sender is closed it is a no-op, and when the queue is full the payload is
// dropped. It reports whether the payload was queued.
func (s *Sender) Enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.queue <- payload:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("media send queue full, dropping payload", "queue_size", s.cfg.QueueSize)
		return false
	}
}

// Discard removes every queued payload that the worker has not picked up yet
// and returns how many were removed.
func (s *Sender) Discard() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

// Deliver writes one payload to the bound socket, waiting for the socket to
// open under the configured attempt budget. It returns ErrSocketClosed when
// the socket or sender is closed and ErrDeliveryExhausted when the budget ran
// out; in both cases the payload is gone.
func (s *Sender) Deliver(ctx context.Context, payload []byte) error {
	policy := retry.Linear(s.cfg.MaxAttempts, s.cfg.Interval)
	policy.Wait = s.cfg.Wait

	res := retry.Do(ctx, policy, func(attempt int) error {
		sock, closed := s.target()
		if closed {
			return retry.Permanent(ErrSocketClosed)
		}

		state := StateConnecting
		if sock != nil {
			state = sock.State()
		}
		switch state {
		case StateOpen:
			if err := sock.WriteMessage(payload); err != nil {
				return retry.Permanent(fmt.Errorf("transport: writing payload: %w", err))
			}
			return nil
		case StateClosed:
			return retry.Permanent(ErrSocketClosed)
		default:
			s.logger.Warn("media socket not open, retrying",
				"attempt", attempt,
				"max_attempts", s.cfg.MaxAttempts,
			)
			return errNotOpen
		}
	})

	switch {
	case res.Err == nil:
		s.delivered.Add(1)
		return nil
	case errors.Is(res.Err, ErrSocketClosed), errors.Is(res.Err, context.Canceled):
		return ErrSocketClosed
	case errors.Is(res.Err, errNotOpen):
		s.dropped.Add(1)
		s.logger.Error("failed to send media payload, socket never opened",
			"attempts", res.Attempts,
			"waited", res.Duration,
		)
		return ErrDeliveryExhausted
	default:
		s.dropped.Add(1)
		s.logger.Error("failed to send media payload", "error", res.Err)
		return res.Err
	}
}

// Close stops the worker and turns every later send into a no-op. Queued
// payloads are discarded.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.Discard()
}

// Delivered returns the number of payloads written to the socket.
func (s *Sender) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped returns the number of payloads lost to a full queue or an
// exhausted attempt budget.
func (s *Sender) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sender) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.queue:
			s.deliverSafe(payload)
		}
	}
}

func (s *Sender) deliverSafe(payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in media sender", "panic", rec)
		}
	}()
	_ = s.Deliver(s.ctx, payload)
}
