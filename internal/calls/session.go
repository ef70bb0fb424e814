package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/mediastream"
	"github.com/flowpbx/callbridge/internal/transport"
)

// queueSize bounds callbacks waiting for one session's worker.
const queueSize = 64

type job struct {
	ev   CallbackEvent
	done chan error
}

// Session is the orchestration state for one phone call. Callbacks for the
// session are applied one at a time, in arrival order, by its worker.
type Session struct {
	token       string
	callerID    string
	dialed      string
	createdAt   time.Time
	logger      *slog.Logger
	sender      *transport.Sender
	bridge      *mediastream.Bridge
	ctx         context.Context
	cancel      context.CancelFunc
	jobs        chan job
	ready       chan struct{} // closed once the answer outcome is known
	closed      chan struct{}
	workerDone  chan struct{}
	closeOnce   sync.Once
	answerError error // written before ready is closed

	mu               sync.Mutex
	state            State
	callConnectionID string
	answeredFor      string
	conversation     Conversation
	aiStarted        bool
	mediaAttached    bool
	endReason        string
}

func newSession(parent context.Context, token string, call IncomingCall, senderCfg transport.Config, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With("token", token, "caller", call.CallerID)
	sender := transport.NewSender(senderCfg, logger)
	return &Session{
		token:      token,
		callerID:   call.CallerID,
		dialed:     call.To,
		createdAt:  time.Now(),
		logger:     logger,
		sender:     sender,
		bridge:     mediastream.NewBridge(sender, logger),
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan job, queueSize),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
		workerDone: make(chan struct{}),
		state:      StateRinging,
	}
}

// Token returns the callback token correlating provider callbacks to this
// session.
func (s *Session) Token() string { return s.token }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bridge returns the audio bridge for the call's media socket.
func (s *Session) Bridge() *mediastream.Bridge { return s.bridge }

// setState moves the session to st. Disconnected is final; it reports false
// when the transition was refused.
func (s *Session) setState(st State) bool {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info("call state changed", "from", prev.String(), "to", st.String())
	}
	return true
}

// resolve records the answer outcome and releases the worker.
func (s *Session) resolve(err error) {
	s.answerError = err
	close(s.ready)
}

// enqueue hands ev to the worker and waits for it to be applied.
func (s *Session) enqueue(ctx context.Context, ev CallbackEvent) error {
	j := job{ev: ev, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-s.workerDone:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session worker. Nothing is applied until the answer outcome is
// known; after a failed answer every queued callback is rejected.
func (s *Session) run(apply func(*Session, CallbackEvent) error) {
	defer close(s.workerDone)

	select {
	case <-s.ready:
	case <-s.closed:
		s.drain()
		return
	}
	if s.answerError != nil {
		s.drain()
		return
	}

	for {
		select {
		case j := <-s.jobs:
			j.done <- apply(s, j.ev)
		case <-s.closed:
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case j := <-s.jobs:
			j.done <- ErrSessionClosed
		default:
			return
		}
	}
}

// close releases the session's resources. It is safe to call more than once
// and from the worker itself.
func (s *Session) close(reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.state = StateDisconnected
		s.endReason = reason
		conv := s.conversation
		s.conversation = nil
		s.mu.Unlock()

		close(s.closed)
		s.cancel()
		if conv != nil {
			conv.Close()
		}
		s.bridge.Close()
		s.sender.Close()
		s.logger.Info("call session closed", "reason", reason)
	})
	return first
}

// Closed is closed once the session has been torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) record() *models.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.CallRecord{
		Token:            s.token,
		CallConnectionID: s.callConnectionID,
		CallerID:         s.callerID,
		AnsweredFor:      s.answeredFor,
		State:            s.state.String(),
		AIStarted:        s.aiStarted,
		StartedAt:        s.createdAt.UTC(),
	}
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	Token            string    `json:"token"`
	CallerID         string    `json:"caller_id"`
	CallConnectionID string    `json:"call_connection_id"`
	AnsweredFor      string    `json:"answered_for"`
	State            string    `json:"state"`
	AIActive         bool      `json:"ai_active"`
	MediaAttached    bool      `json:"media_attached"`
	StartedAt        time.Time `json:"started_at"`
	FramesIn         uint64    `json:"frames_in"`
	FramesOut        uint64    `json:"frames_out"`
	Delivered        uint64    `json:"delivered"`
	Dropped          uint64    `json:"dropped"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		Token:            s.token,
		CallerID:         s.callerID,
		CallConnectionID: s.callConnectionID,
		AnsweredFor:      s.answeredFor,
		State:            s.state.String(),
		AIActive:         s.conversation != nil,
		MediaAttached:    s.mediaAttached,
		StartedAt:        s.createdAt,
	}
	s.mu.Unlock()

	bs := s.bridge.Stats()
	info.FramesIn = bs.FramesIn
	info.FramesOut = bs.FramesOut
	info.Delivered = s.sender.Delivered()
	info.Dropped = s.sender.Dropped()
	return info
}
