package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	audioFormatPCM16      = "pcm16"
	turnDetectionVAD      = "server_vad"
	defaultVoice          = "shimmer"
	defaultTranscriptions = "whisper-1"
)

var (
	// ErrConfigurationInvalid is returned by Start when there is neither a
	// system prompt nor a tool to configure the conversation with.
	ErrConfigurationInvalid = errors.New("realtime: session needs a system prompt or tools")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("realtime: session already started")
	// ErrNotStarted is returned when audio is submitted before Start.
	ErrNotStarted = errors.New("realtime: session not started")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("realtime: session closed")
)

// ToolInvoker runs a function call and returns its textual result.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, arguments string) (string, error)
}

// Playback is the caller-facing audio output of a session.
type Playback interface {
	PlayAudio(data string) bool
	StopAudio()
}

// Options tune the conversation.
type Options struct {
	Voice              string
	TranscriptionModel string
}

// Stats counts events handled by a session.
type Stats struct {
	AudioIn       uint64
	AudioOut      uint64
	ToolCalls     uint64
	Interruptions uint64
}

// Session owns one realtime conversation. Caller audio goes in through
// SubmitCallerAudio; model audio goes out through the bound Playback. The
// playback may be bound before or after Start.
type Session struct {
	dialer  Dialer
	invoker ToolInvoker
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	conn     Conn
	playback Playback
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	turn          atomic.Uint64
	audioIn       atomic.Uint64
	audioOut      atomic.Uint64
	toolCalls     atomic.Uint64
	interruptions atomic.Uint64
}

// NewSession creates a session that dials through dialer when started.
func NewSession(dialer Dialer, invoker ToolInvoker, opts Options, logger *slog.Logger) *Session {
	if opts.Voice == "" {
		opts.Voice = defaultVoice
	}
	if opts.TranscriptionModel == "" {
		opts.TranscriptionModel = defaultTranscriptions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		dialer:  dialer,
		invoker: invoker,
		opts:    opts,
		logger:  logger.With("subsystem", "realtime"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SetPlayback binds the caller's audio output. Nil unbinds it.
func (s *Session) SetPlayback(p Playback) {
	s.mu.Lock()
	s.playback = p
	s.mu.Unlock()
}

func (s *Session) currentPlayback() Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback
}

// BuildConfig returns the session.update sent for prompt and tools. Tool
// choice is automatic only when tools are present.
func BuildConfig(opts Options, prompt string, tools []Tool) SessionUpdate {
	choice := ToolChoiceNone
	declared := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if t.Type == "" {
			t.Type = "function"
		}
		declared = append(declared, t)
	}
	if len(declared) > 0 {
		choice = ToolChoiceAuto
	}

	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			Instructions:            prompt,
			Voice:                   opts.Voice,
			InputAudioFormat:        audioFormatPCM16,
			OutputAudioFormat:       audioFormatPCM16,
			TurnDetection:           &TurnDetection{Type: turnDetectionVAD},
			InputAudioTranscription: &Transcription{Model: opts.TranscriptionModel},
			Tools:                   declared,
			ToolChoice:              choice,
		},
	}
}

// Start connects, sends the session configuration, and starts the event
// loop in the background. A failed configuration send is logged and the
// session stays up.
func (s *Session) Start(ctx context.Context, prompt string, tools []Tool) error {
	if strings.TrimSpace(prompt) == "" && len(tools) == 0 {
		return ErrConfigurationInvalid
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("realtime: connecting: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	update := BuildConfig(s.opts, prompt, tools)
	if err := conn.Send(update); err != nil {
		s.logger.Error("failed to send session config", "error", err)
	} else {
		s.logger.Info("session config sent",
			"voice", update.Session.Voice,
			"tools", len(update.Session.Tools),
			"tool_choice", update.Session.ToolChoice,
		)
	}

	go s.loop(conn)
	return nil
}

// SubmitCallerAudio appends one base64 PCM chunk to the model's input
// buffer. Send failures are logged and not returned.
func (s *Session) SubmitCallerAudio(_ context.Context, audio string) error {
	if audio == "" {
		return nil
	}
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if conn == nil {
		return ErrNotStarted
	}

	if err := conn.Send(InputAudioAppend{Type: TypeInputAudioAppend, Audio: audio}); err != nil {
		s.logger.Debug("dropping caller audio chunk", "error", err)
		return nil
	}
	s.audioIn.Add(1)
	return nil
}

// Close stops the session. The event loop exits on its own once the
// connection is closed; Done reports when it has.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.playback = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing realtime connection", "error", err)
		}
	} else {
		close(s.done)
	}
}

// Done is closed when the event loop has exited, or at Close when the
// session never connected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Started reports whether Start succeeded.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Turn returns the number of completed responses. It is for logging only.
func (s *Session) Turn() uint64 {
	return s.turn.Load()
}

// Stats returns event counters.
func (s *Session) Stats() Stats {
	return Stats{
		AudioIn:       s.audioIn.Load(),
		AudioOut:      s.audioOut.Load(),
		ToolCalls:     s.toolCalls.Load(),
		Interruptions: s.interruptions.Load(),
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) loop(conn Conn) {
	defer close(s.done)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in realtime event loop", "panic", rec)
		}
	}()

	for {
		ev, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				s.logger.Warn("ignoring malformed realtime event", "error", err)
				continue
			}
			if s.isClosed() || errors.Is(err, ErrConnClosed) {
				s.logger.Debug("realtime event loop finished")
			} else {
				s.logger.Error("realtime connection lost", "error", err)
			}
			return
		}
		s.handle(conn, ev)
	}
}

func (s *Session) handle(conn Conn, ev ServerEvent) {
	switch ev.Type {
	case EventSessionCreated:
		id := ""
		if ev.Session != nil {
			id = ev.Session.ID
		}
		s.logger.Info("realtime session created", "session_id", id)

	case EventSessionUpdated:
		s.logger.Debug("realtime session updated")

	case EventFunctionArgumentsDone:
		s.handleToolCall(conn, ev)

	case EventAudioDelta:
		p := s.currentPlayback()
		if p == nil {
			return
		}
		if p.PlayAudio(ev.Delta) {
			s.audioOut.Add(1)
		}

	case EventSpeechStarted:
		s.interruptions.Add(1)
		s.logger.Info("caller started speaking, stopping playback", "audio_start_ms", ev.AudioStartMs)
		if p := s.currentPlayback(); p != nil {
			p.StopAudio()
		}

	case EventCallerTranscript:
		s.logger.Info("caller transcript", "turn", s.Turn(), "transcript", ev.Transcript)

	case EventAssistantTranscript:
		s.logger.Info("assistant transcript", "turn", s.Turn(), "transcript", ev.Transcript)

	case EventResponseDone:
		turn := s.turn.Add(1)
		status := ""
		if ev.Response != nil {
			status = ev.Response.Status
		}
		s.logger.Info("response done", "turn", turn, "status", status)

	case EventError:
		if ev.Error != nil {
			s.logger.Error("realtime provider error",
				"type", ev.Error.Type,
				"code", ev.Error.Code,
				"message", ev.Error.Message,
			)
		} else {
			s.logger.Error("realtime provider error")
		}
	}
}

// handleToolCall answers a function call. The output item is always sent,
// empty when the call failed, followed by response.create because the model
// does not resume on its own after a tool result.
func (s *Session) handleToolCall(conn Conn, ev ServerEvent) {
	s.toolCalls.Add(1)

	output := ""
	if s.invoker == nil {
		s.logger.Warn("tool call with no invoker configured", "tool", ev.Name)
	} else {
		result, err := s.invoker.Invoke(s.ctx, ev.Name, ev.Arguments)
		if err != nil {
			s.logger.Warn("tool call failed", "tool", ev.Name, "call_id", ev.CallID, "error", err)
		} else {
			output = result
		}
	}

	item := ItemCreate{
		Type: TypeConversationItemNew,
		Item: FunctionCallOutput{
			Type:   "function_call_output",
			CallID: ev.CallID,
			Output: output,
		},
	}
	if err := conn.Send(item); err != nil {
		s.logger.Error("failed to send tool result", "call_id", ev.CallID, "error", err)
	}
	if err := conn.Send(ResponseCreate{Type: TypeResponseCreate}); err != nil {
		s.logger.Error("failed to request response", "call_id", ev.CallID, "error", err)
	}
}
