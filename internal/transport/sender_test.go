package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSocket struct {
	mu      sync.Mutex
	state   SocketState
	writes  [][]byte
	checks  int
	failErr error
}

func (f *fakeSocket) State() SocketState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.state
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) setState(s SocketState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeSocket) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", cfg.Interval)
	}
}

func TestDeliverNeverOpenRetriesFiveTimes(t *testing.T) {
	rec := &waitRecorder{}
	cfg := DefaultConfig()
	cfg.Wait = rec.wait

	s := NewSender(cfg, slog.Default())
	defer s.Close()

	sock := &fakeSocket{state: StateConnecting}
	s.Bind(sock)

	err := s.Deliver(context.Background(), []byte("frame"))
	if !errors.Is(err, ErrDeliveryExhausted) {
		t.Fatalf("err = %v, want ErrDeliveryExhausted", err)
	}
	if sock.checks != 5 {
		t.Errorf("state checks = %d, want 5", sock.checks)
	}
	if len(rec.waits) != 4 {
		t.Fatalf("waits = %d, want 4 between 5 attempts", len(rec.waits))
	}
	for i, w := range rec.waits {
		if w != time.Second {
			t.Errorf("wait[%d] = %v, want 1s", i, w)
		}
	}
	if len(sock.written()) != 0 {
		t.Error("nothing should be written to a socket that never opened")
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestDeliverUnboundCountsAsNotOpen(t *testing.T) {
	rec := &waitRecorder{}
	cfg := DefaultConfig()
	cfg.Wait = rec.wait

	s := NewSender(cfg, slog.Default())
	defer s.Close()

	if err := s.Deliver(context.Background(), []byte("frame")); !errors.Is(err, ErrDeliveryExhausted) {
		t.Fatalf("err = %v, want ErrDeliveryExhausted", err)
	}
	if len(rec.waits) != 4 {
		t.Errorf("waits = %d, want 4", len(rec.waits))
	}
}

func TestDeliverOpensDuringRetry(t *testing.T) {
	sock := &fakeSocket{state: StateConnecting}
	cfg := DefaultConfig()
	cfg.Wait = func(ctx context.Context, d time.Duration) error {
		sock.setState(StateOpen)
		return nil
	}

	s := NewSender(cfg, slog.Default())
	defer s.Close()
	s.Bind(sock)

	if err := s.Deliver(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := sock.written(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("written = %v, want [hello]", got)
	}
	if s.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want 1", s.Delivered())
	}
}

func TestDeliverClosedSocketIsNoop(t *testing.T) {
	rec := &waitRecorder{}
	cfg := DefaultConfig()
	cfg.Wait = rec.wait

	s := NewSender(cfg, slog.Default())
	defer s.Close()

	sock := &fakeSocket{state: StateClosed}
	s.Bind(sock)

	err := s.Deliver(context.Background(), []byte("late"))
	if !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("err = %v, want ErrSocketClosed", err)
	}
	if len(rec.waits) != 0 {
		t.Errorf("closed socket should not be retried, waited %d times", len(rec.waits))
	}
	if s.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", s.Dropped())
	}
}

func TestDeliverWriteErrorNotRetried(t *testing.T) {
	rec := &waitRecorder{}
	cfg := DefaultConfig()
	cfg.Wait = rec.wait

	s := NewSender(cfg, slog.Default())
	defer s.Close()

	boom := errors.New("broken pipe")
	s.Bind(&fakeSocket{state: StateOpen, failErr: boom})

	if err := s.Deliver(context.Background(), []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(rec.waits) != 0 {
		t.Errorf("waits = %d, want 0", len(rec.waits))
	}
}

func TestEnqueueDoesNotBlockOnClosedHandshake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Wait = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg.QueueSize = 2

	s := NewSender(cfg, slog.Default())
	defer s.Close()
	s.Bind(&fakeSocket{state: StateConnecting})

	start := time.Now()
	for i := 0; i < 10; i++ {
		s.Enqueue([]byte("frame"))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Enqueue blocked for %v", elapsed)
	}
}

func TestEnqueuePreservesOrder(t *testing.T) {
	s := NewSender(DefaultConfig(), slog.Default())
	defer s.Close()

	sock := &fakeSocket{state: StateOpen}
	s.Bind(sock)

	want := []string{"a", "b", "c", "d"}
	for _, p := range want {
		if !s.Enqueue([]byte(p)) {
			t.Fatalf("Enqueue(%q) rejected", p)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sock.written()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := sock.written()
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("written[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscardDropsQueued(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.Wait = func(ctx context.Context, d time.Duration) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s := NewSender(cfg, slog.Default())
	defer s.Close()
	s.Bind(&fakeSocket{state: StateConnecting})

	// The first payload is picked up by the worker and stuck in its retry wait.
	s.Enqueue([]byte("in-flight"))
	time.Sleep(20 * time.Millisecond)

	s.Enqueue([]byte("q1"))
	s.Enqueue([]byte("q2"))

	if n := s.Discard(); n != 2 {
		t.Errorf("Discard() = %d, want 2", n)
	}
	close(block)
}

func TestCloseMakesEnqueueNoop(t *testing.T) {
	s := NewSender(DefaultConfig(), slog.Default())
	s.Close()
	s.Close()

	if s.Enqueue([]byte("x")) {
		t.Error("Enqueue after Close should be rejected")
	}
	if err := s.Deliver(context.Background(), []byte("x")); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Deliver after Close = %v, want ErrSocketClosed", err)
	}
}

func TestBindReplaces(t *testing.T) {
	s := NewSender(DefaultConfig(), slog.Default())
	defer s.Close()

	first := &fakeSocket{state: StateOpen}
	second := &fakeSocket{state: StateOpen}

	if prev := s.Bind(first); prev != nil {
		t.Errorf("first Bind returned %v, want nil", prev)
	}
	if prev := s.Bind(second); prev != first {
		t.Error("second Bind should return the first socket")
	}
	if s.Bound() != second {
		t.Error("Bound() should be the second socket")
	}
}
