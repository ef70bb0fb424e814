package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flowpbx/callbridge/internal/acs"
	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/profiles"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/transport"
)

var (
	// ErrAnswerFailed is returned when the provider rejects an answer request.
	ErrAnswerFailed = errors.New("calls: answering call failed")

	// ErrUnknownCall is returned for a token with no live session.
	ErrUnknownCall = errors.New("calls: unknown callback token")

	// ErrSessionClosed is returned for work addressed to a torn-down session.
	ErrSessionClosed = errors.New("calls: session closed")
)

var tracer = otel.Tracer("github.com/flowpbx/callbridge/internal/calls")

const (
	answerOperationContext = "incomingCall"
	conversationStartLimit = 15 * time.Second
	providerQueryLimit     = 10 * time.Second
	historyWriteLimit      = 5 * time.Second
)

// CallControl answers calls and reads call properties from the telephony
// provider.
type CallControl interface {
	AnswerCall(ctx context.Context, req acs.AnswerCallRequest) (*acs.CallConnectionProperties, error)
	GetCallConnection(ctx context.Context, callConnectionID string) (*acs.CallConnectionProperties, error)
}

// ProfileLookup resolves the profile for an answered number.
type ProfileLookup interface {
	Lookup(number string) (profiles.Profile, error)
}

// Conversation is a realtime AI session bound to one call.
type Conversation interface {
	Start(ctx context.Context, prompt string, tools []realtime.Tool) error
	SubmitCallerAudio(ctx context.Context, audio string) error
	SetPlayback(p realtime.Playback)
	Close()
	Done() <-chan struct{}
}

// ConversationFactory creates an unstarted conversation for a caller's
// profile. Tools the conversation invokes must be limited to that profile.
type ConversationFactory func(logger *slog.Logger, profile profiles.Profile) Conversation

// History persists call lifecycle changes.
type History interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	UpdateState(ctx context.Context, rec *models.CallRecord) error
	Finish(ctx context.Context, token, state, reason string, endedAt time.Time) error
}

// IncomingCall is the part of an incoming call notification needed to
// answer it.
type IncomingCall struct {
	CallerID            string // raw caller identifier, e.g. "4:+14255550123"
	To                  string // dialed number, used when the provider omits answeredFor
	IncomingCallContext string
	CorrelationID       string
}

// Config holds the manager's addressing and transport settings.
type Config struct {
	PublicBaseURL string
	Signer        Signer // optional
	Sender        transport.Config
}

// Deps are the manager's collaborators. History is optional.
type Deps struct {
	CallControl   CallControl
	Profiles      ProfileLookup
	Conversations ConversationFactory
	History       History
}

// Stats are aggregate call counters.
type Stats struct {
	Active            int
	ByState           map[State]int
	AIActive          int
	CallsTotal        uint64
	AnswerFailures    uint64
	AISessionsStarted uint64
	Delivered         uint64
	Dropped           uint64
}

// Manager owns every live call session.
type Manager struct {
	cfg      Config
	deps     Deps
	registry *Registry
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup

	callsTotal     atomic.Uint64
	answerFailures atomic.Uint64
	aiStarted      atomic.Uint64
	delivered      atomic.Uint64 // from torn-down sessions
	dropped        atomic.Uint64 // from torn-down sessions
}

// NewManager validates cfg and creates a manager.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) (*Manager, error) {
	if _, err := parseBase(cfg.PublicBaseURL); err != nil {
		return nil, err
	}
	if deps.CallControl == nil || deps.Profiles == nil || deps.Conversations == nil {
		return nil, errors.New("calls: call control, profiles and conversation factory are required")
	}
	if cfg.Sender.MaxAttempts == 0 {
		cfg.Sender = transport.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(),
		logger:   logger.With("subsystem", "calls"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// HandleIncomingCall registers a new session and answers the call with
// bidirectional media streaming. It returns the session's callback token.
func (m *Manager) HandleIncomingCall(ctx context.Context, call IncomingCall) (string, error) {
	if m.ctx.Err() != nil {
		return "", fmt.Errorf("%w: shutting down", ErrAnswerFailed)
	}
	if call.IncomingCallContext == "" {
		return "", fmt.Errorf("%w: missing incoming call context", ErrAnswerFailed)
	}

	token := uuid.NewString()
	callbackURL, err := CallbackURL(m.cfg.PublicBaseURL, token, call.CallerID, m.cfg.Signer)
	if err != nil {
		return "", err
	}
	mediaURL, err := MediaURL(m.cfg.PublicBaseURL, token, m.cfg.Signer)
	if err != nil {
		return "", err
	}

	s := newSession(m.ctx, token, call, m.cfg.Sender, m.logger)
	if err := m.registry.Add(s); err != nil {
		s.close("registration failed")
		return "", err
	}
	m.callsTotal.Add(1)
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		s.run(m.apply)
	}()
	m.persist(s, func(ctx context.Context, h History) error { return h.Create(ctx, s.record()) })

	s.logger.Info("answering incoming call", "correlation_id", call.CorrelationID)
	ctx, span := tracer.Start(ctx, "calls.answer")
	span.SetAttributes(
		attribute.String("call.token", token),
		attribute.String("call.correlation_id", call.CorrelationID),
	)
	defer span.End()
	props, err := m.deps.CallControl.AnswerCall(ctx, acs.AnswerCallRequest{
		IncomingCallContext:   call.IncomingCallContext,
		CallbackURI:           callbackURL,
		OperationContext:      answerOperationContext,
		MediaStreamingOptions: acs.BidirectionalAudio(mediaURL),
	})
	if err != nil {
		m.answerFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer failed")
		s.logger.Error("failed to answer call", "error", err)
		s.resolve(err)
		m.teardown(s, "answer failed")
		return "", fmt.Errorf("%w: %w", ErrAnswerFailed, err)
	}

	s.mu.Lock()
	s.callConnectionID = props.CallConnectionID
	if n := props.AnsweredForNumber(); n != "" {
		s.answeredFor = n
	}
	s.mu.Unlock()
	if s.setState(StateAnswered) {
		m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })
	}
	s.resolve(nil)

	span.SetAttributes(attribute.String("call.connection_id", props.CallConnectionID))
	s.logger.Info("call answered", "call_connection_id", props.CallConnectionID)
	return token, nil
}

// ProcessCallbackEvent applies ev to the session identified by token. Events
// for one token are applied in the order they are submitted; the call
// returns once ev has been applied or ctx is done.
func (m *Manager) ProcessCallbackEvent(ctx context.Context, token string, ev CallbackEvent) error {
	s, ok := m.registry.Get(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, token)
	}
	return s.enqueue(ctx, ev)
}

func (m *Manager) apply(s *Session, ev CallbackEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic applying callback", "event", ev.Kind.String(), "panic", r)
			err = fmt.Errorf("calls: panic applying %s", ev.Kind)
		}
	}()

	if s.State().Terminal() {
		return ErrSessionClosed
	}
	if ev.CallConnectionID != "" {
		s.mu.Lock()
		switch s.callConnectionID {
		case "":
			s.callConnectionID = ev.CallConnectionID
		case ev.CallConnectionID:
		default:
			s.logger.Warn("callback for a different call connection",
				"call_connection_id", s.callConnectionID,
				"event_call_connection_id", ev.CallConnectionID,
			)
		}
		s.mu.Unlock()
	}

	switch ev.Kind {
	case EventCallConnected:
		if st := s.State(); st != StateRinging && st != StateAnswered {
			s.logger.Debug("duplicate call connected event", "state", st.String())
			return nil
		}
		s.setState(StateConnected)
		m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })
		m.startConversation(s)

	case EventMediaStreamingStarted:
		s.setState(StateStreamingActive)
		s.logger.Info("media streaming started", streamingAttrs(ev)...)
		m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })

	case EventMediaStreamingStopped:
		s.setState(StateStreamingStopped)
		s.logger.Info("media streaming stopped", streamingAttrs(ev)...)
		m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })

	case EventMediaStreamingFailed:
		s.setState(StateStreamingStopped)
		s.logger.Error("media streaming failed", streamingAttrs(ev)...)
		m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })

	case EventCallDisconnected:
		m.teardown(s, "call disconnected")

	case EventAnswerFailed:
		// The answer request was accepted but the provider could not
		// connect the call; no CallDisconnected follows.
		m.answerFailures.Add(1)
		s.logger.Error("provider failed to answer call", streamingAttrs(ev)...)
		m.teardown(s, "answer failed")

	default:
		s.logger.Debug("ignoring callback event", "type", ev.Type)
	}
	return nil
}

func streamingAttrs(ev CallbackEvent) []any {
	var attrs []any
	if u := ev.MediaStreaming; u != nil {
		attrs = append(attrs, "content_type", u.ContentType, "status", u.MediaStreamingStatus, "details", u.MediaStreamingStatusDetails)
	}
	if r := ev.Result; r != nil {
		attrs = append(attrs, "code", r.Code, "sub_code", r.SubCode, "message", r.Message)
	}
	return attrs
}

// startConversation creates the AI session for a connected call. Failures
// are logged; the call stays up without AI.
func (m *Manager) startConversation(s *Session) {
	s.mu.Lock()
	running := s.conversation != nil
	connID := s.callConnectionID
	s.mu.Unlock()
	if running {
		return
	}

	number := m.answeredFor(s, connID)
	profile, err := m.deps.Profiles.Lookup(number)
	if err != nil {
		s.logger.Error("no profile for answered number, AI session not started", "answered_for", number, "error", err)
		return
	}

	conv := m.deps.Conversations(s.logger, profile)
	conv.SetPlayback(s.bridge)

	ctx, cancel := context.WithTimeout(s.ctx, conversationStartLimit)
	defer cancel()
	if err := conv.Start(ctx, profile.SystemPrompt, RealtimeTools(profile.Tools)); err != nil {
		s.logger.Error("failed to start AI session", "answered_for", number, "error", err)
		conv.Close()
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		conv.Close()
		return
	}
	s.conversation = conv
	s.aiStarted = true
	s.mu.Unlock()

	s.bridge.SetSink(conv)
	m.aiStarted.Add(1)
	m.persist(s, func(ctx context.Context, h History) error { return h.UpdateState(ctx, s.record()) })
	s.logger.Info("AI session started", "answered_for", number, "tools", len(profile.Tools))

	go m.watchConversation(s, conv)
}

// answeredFor asks the provider which number the call was answered on,
// falling back to what is already known about the call.
func (m *Manager) answeredFor(s *Session, connID string) string {
	if connID != "" {
		ctx, cancel := context.WithTimeout(s.ctx, providerQueryLimit)
		props, err := m.deps.CallControl.GetCallConnection(ctx, connID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to read call connection properties", "call_connection_id", connID, "error", err)
		} else if n := props.AnsweredForNumber(); n != "" {
			s.mu.Lock()
			s.answeredFor = n
			s.mu.Unlock()
			return n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answeredFor == "" {
		s.answeredFor = s.dialed
	}
	return s.answeredFor
}

func (m *Manager) watchConversation(s *Session, conv Conversation) {
	select {
	case <-conv.Done():
	case <-s.closed:
		return
	}

	s.mu.Lock()
	current := s.conversation == conv
	if current {
		s.conversation = nil
	}
	s.mu.Unlock()
	if current {
		s.bridge.SetSink(nil)
		s.logger.Info("AI session ended")
	}
}

// RealtimeTools converts profile tools into realtime function declarations.
func RealtimeTools(in []profiles.Tool) []realtime.Tool {
	out := make([]realtime.Tool, 0, len(in))
	for _, t := range in {
		tool := realtime.Tool{Type: "function", Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			if raw, err := json.Marshal(t.Parameters); err == nil {
				tool.Parameters = raw
			}
		}
		out = append(out, tool)
	}
	return out
}

// MediaBinding ties one telephony media socket to its session.
type MediaBinding struct {
	m      *Manager
	s      *Session
	socket transport.Socket
}

// AttachMedia binds sock as the outbound media socket of the session. A
// later socket for the same token replaces an earlier one.
func (m *Manager) AttachMedia(token string, sock transport.Socket) (*MediaBinding, error) {
	s, ok := m.registry.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, token)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mediaAttached = true
	s.mu.Unlock()

	if prev := s.sender.Bind(sock); prev != nil && prev != sock {
		s.logger.Warn("replacing media socket")
	} else {
		s.logger.Info("media socket attached")
	}
	return &MediaBinding{m: m, s: s, socket: sock}, nil
}

// HandleFrame feeds one inbound telephony frame to the audio bridge. Frames
// from a replaced socket are dropped.
func (b *MediaBinding) HandleFrame(ctx context.Context, raw []byte) {
	if b.s.sender.Bound() != b.socket {
		return
	}
	b.s.bridge.HandleInbound(ctx, raw)
}

// Closed is closed when the call session ends.
func (b *MediaBinding) Closed() <-chan struct{} {
	return b.s.closed
}

// Close detaches the socket from its session.
func (b *MediaBinding) Close() {
	b.m.DetachMedia(b.s.token, b.socket)
}

// DetachMedia handles the close of a media socket. When sock is the
// session's current socket the AI session is ended; sock stays bound so
// later sends report a closed socket instead of retrying.
func (m *Manager) DetachMedia(token string, sock transport.Socket) {
	s, ok := m.registry.Get(token)
	if !ok {
		return
	}
	if s.sender.Bound() != sock {
		s.logger.Debug("replaced media socket closed")
		return
	}

	s.mu.Lock()
	s.mediaAttached = false
	conv := s.conversation
	s.conversation = nil
	s.mu.Unlock()

	s.bridge.SetSink(nil)
	if conv != nil {
		conv.Close()
		s.logger.Info("media socket closed, AI session ended")
	} else {
		s.logger.Info("media socket closed")
	}
}

func (m *Manager) teardown(s *Session, reason string) {
	if !s.close(reason) {
		return
	}
	m.registry.Remove(s.token)
	m.delivered.Add(s.sender.Delivered())
	m.dropped.Add(s.sender.Dropped())

	s.mu.Lock()
	state := s.state.String()
	s.mu.Unlock()
	m.persist(s, func(ctx context.Context, h History) error {
		return h.Finish(ctx, s.token, state, reason, time.Now())
	})
}

// persist runs a best-effort history write.
func (m *Manager) persist(s *Session, write func(context.Context, History) error) {
	if m.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteLimit)
	defer cancel()
	if err := write(ctx, m.deps.History); err != nil {
		s.logger.Warn("failed to record call history", "error", err)
	}
}

// Session returns the live session for token.
func (m *Manager) Session(token string) (*Session, bool) {
	return m.registry.Get(token)
}

// Snapshot lists live sessions, oldest first.
func (m *Manager) Snapshot() []SessionInfo {
	sessions := m.registry.All()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Stats returns aggregate counters across live and finished sessions.
func (m *Manager) Stats() Stats {
	st := Stats{
		ByState:           make(map[State]int),
		CallsTotal:        m.callsTotal.Load(),
		AnswerFailures:    m.answerFailures.Load(),
		AISessionsStarted: m.aiStarted.Load(),
		Delivered:         m.delivered.Load(),
		Dropped:           m.dropped.Load(),
	}
	for _, s := range m.registry.All() {
		info := s.Info()
		st.Active++
		st.ByState[s.State()]++
		if info.AIActive {
			st.AIActive++
		}
		st.Delivered += info.Delivered
		st.Dropped += info.Dropped
	}
	return st
}

// Shutdown tears down every live session and waits for session workers to
// exit or ctx to end. New calls are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for _, s := range m.registry.All() {
		m.teardown(s, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("call sessions drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
