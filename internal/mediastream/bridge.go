package mediastream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/callbridge/internal/transport"
)

// AudioSink receives caller audio decoded from the telephony socket.
type AudioSink interface {
	SubmitCallerAudio(ctx context.Context, audio string) error
}

// Bridge shuttles audio between one call's telephony media socket and its AI
// session. Inbound frames go to the sink; outbound audio goes through the
// sender so the AI event loop never blocks on the socket.
type Bridge struct {
	sender *transport.Sender
	logger *slog.Logger

	mu     sync.RWMutex
	sink   AudioSink
	closed bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	stops     atomic.Uint64
}

// NewBridge creates a bridge that writes outbound frames through sender.
func NewBridge(sender *transport.Sender, logger *slog.Logger) *Bridge {
	return &Bridge{
		sender: sender,
		logger: logger.With("subsystem", "audio-bridge"),
	}
}

// SetSink binds the AI side of the bridge. A nil sink drops inbound audio.
func (b *Bridge) SetSink(sink AudioSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

func (b *Bridge) current() (AudioSink, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink, b.closed
}

// HandleInbound decodes one telephony frame and forwards caller audio to the
// sink. Non-audio frames are dropped silently.
func (b *Bridge) HandleInbound(ctx context.Context, raw []byte) {
	sink, closed := b.current()
	if closed {
		return
	}

	frame, err := ParseFrame(raw)
	if err != nil {
		b.logger.Debug("dropping unparseable media frame", "error", err)
		return
	}
	if frame.Kind == KindAudioMetadata && frame.AudioMetadata != nil {
		b.logger.Debug("media stream metadata",
			"encoding", frame.AudioMetadata.Encoding,
			"sample_rate", frame.AudioMetadata.SampleRate,
			"channels", frame.AudioMetadata.Channels,
		)
		return
	}
	if !frame.IsAudio() || sink == nil {
		return
	}

	b.framesIn.Add(1)
	if err := sink.SubmitCallerAudio(ctx, frame.AudioData.Data); err != nil {
		b.logger.Warn("failed to forward caller audio", "error", err)
	}
}

// PlayAudio queues one AI audio chunk for the caller. It reports whether the
// chunk was accepted.
func (b *Bridge) PlayAudio(data string) bool {
	if _, closed := b.current(); closed || data == "" {
		return false
	}
	if !b.sender.Enqueue(EncodeAudio(data)) {
		return false
	}
	b.framesOut.Add(1)
	return true
}

// StopAudio interrupts playback: audio that has not reached the socket yet is
// discarded and a single stop frame is queued ahead of any later audio.
func (b *Bridge) StopAudio() {
	if _, closed := b.current(); closed {
		return
	}
	if n := b.sender.Discard(); n > 0 {
		b.logger.Debug("discarded queued audio on interruption", "frames", n)
	}
	if b.sender.Enqueue(EncodeStopAudio()) {
		b.stops.Add(1)
	}
}

// Close makes every later forward a no-op. The sender is owned by the caller.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.sink = nil
	b.mu.Unlock()
}

// Stats returns frame counters for the bridge.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesIn:  b.framesIn.Load(),
		FramesOut: b.framesOut.Load(),
		Stops:     b.stops.Load(),
	}
}

// Stats counts frames moved by a bridge.
type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	Stops     uint64
}
