package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type mockTransport struct {
	mu            sync.Mutex
	connectErr    error
	connectGate   chan struct{}
	connectCalled bool
	sent          []AudioFrame
	inbound       chan ServerMessage
	closed        bool
	closeOnce     sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{inbound: make(chan ServerMessage, 64)}
}

func (m *mockTransport) Connect(ctx context.Context, instructions, voice string) error {
	m.mu.Lock()
	m.connectCalled = true
	gate := m.connectGate
	err := m.connectErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (m *mockTransport) wasConnectCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalled
}

func (m *mockTransport) Send(frame AudioFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.sent = append(m.sent, frame)
	return nil
}

func (m *mockTransport) Inbound() <-chan ServerMessage {
	return m.inbound
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.inbound) })
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func controllerTestConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSamples = 4
	return cfg
}

func newTestController() (*Controller, *mockTransport, *fakeCaptureDevice, *fakeOutputDevice) {
	tr := newMockTransport()
	mic := &fakeCaptureDevice{}
	out := newFakeOutputDevice()
	ctrl := NewController(tr, mic, out, controllerTestConfig(), nil)
	return ctrl, tr, mic, out
}

// drainEvents collects controller events in the background.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func sinkEvents(ctrl *Controller) *eventSink {
	s := &eventSink{}
	go func() {
		for ev := range ctrl.Events() {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *eventSink) statuses() []StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StatusUpdate
	for _, ev := range s.events {
		if ev.Type == StatusChanged {
			out = append(out, ev.Data.(StatusUpdate))
		}
	}
	return out
}

func (s *eventSink) countState(state State) int {
	n := 0
	for _, st := range s.statuses() {
		if st.State == state {
			n++
		}
	}
	return n
}

func (s *eventSink) transcripts() []TranscriptUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TranscriptUpdate
	for _, ev := range s.events {
		if ev.Type == TranscriptUpdated {
			out = append(out, ev.Data.(TranscriptUpdate))
		}
	}
	return out
}

func (s *eventSink) activities() []ActivityUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActivityUpdate
	for _, ev := range s.events {
		if ev.Type == SpeechActivity {
			out = append(out, ev.Data.(ActivityUpdate))
		}
	}
	return out
}

func (s *eventSink) levels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == AudioLevel {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerPermissionDenied(t *testing.T) {
	ctrl, tr, mic, _ := newTestController()
	mic.openErr = fmt.Errorf("%w: os denied capture", ErrPermissionDenied)
	sink := sinkEvents(ctrl)

	err := ctrl.Connect(context.Background(), "hello")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	if tr.connectCalled {
		t.Error("no transport connection may be attempted after a capture denial")
	}
	if ctrl.State() != StateError {
		t.Errorf("expected Error state, got %s", ctrl.State())
	}
	if tr.sentCount() != 0 {
		t.Error("no frames may ever be captured")
	}

	waitUntil(t, "error status", func() bool { return sink.countState(StateError) == 1 })
	if n := sink.countState(StateError); n != 1 {
		t.Errorf("expected exactly one Error status, got %d", n)
	}
}

func TestControllerTransportFailureReleasesMic(t *testing.T) {
	ctrl, tr, mic, _ := newTestController()
	tr.connectErr = fmt.Errorf("%w: refused", ErrNetwork)
	sink := sinkEvents(ctrl)

	err := ctrl.Connect(context.Background(), "hello")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	mic.mu.Lock()
	released := !mic.opened && mic.closeCount == 1
	mic.mu.Unlock()
	if !released {
		t.Error("microphone must be released when the transport fails")
	}

	waitUntil(t, "error status", func() bool { return sink.countState(StateError) == 1 })
}

func TestControllerRejectsDoubleConnect(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	sinkEvents(ctrl)

	if err := ctrl.Connect(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ctrl.Disconnect()

	if err := ctrl.Connect(context.Background(), "again"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if ctrl.State() != StateConnected {
		t.Errorf("existing session must be unaffected, state is %s", ctrl.State())
	}
}

func TestControllerDisconnectIsIdempotent(t *testing.T) {
	t.Run("before any connect", func(t *testing.T) {
		ctrl, tr, mic, out := newTestController()
		sink := sinkEvents(ctrl)

		ctrl.Disconnect()
		ctrl.Disconnect()

		if ctrl.State() != StateDisconnected {
			t.Errorf("expected Disconnected, got %s", ctrl.State())
		}
		mic.mu.Lock()
		opened := mic.opened
		mic.mu.Unlock()
		if opened {
			t.Error("no microphone may be held")
		}
		if !tr.isClosed() {
			t.Error("transport must report released")
		}
		out.mu.Lock()
		outClosed := out.closed
		out.mu.Unlock()
		if !outClosed {
			t.Error("output device must report released")
		}
		waitUntil(t, "disconnected status", func() bool { return sink.countState(StateDisconnected) == 1 })
		if n := sink.countState(StateDisconnected); n != 1 {
			t.Errorf("expected exactly one Disconnected status, got %d", n)
		}
	})

	t.Run("after a session", func(t *testing.T) {
		ctrl, tr, mic, out := newTestController()
		sink := sinkEvents(ctrl)

		if err := ctrl.Connect(context.Background(), "hello"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctrl.Disconnect()
		ctrl.Disconnect()

		if ctrl.State() != StateDisconnected {
			t.Errorf("expected Disconnected, got %s", ctrl.State())
		}
		mic.mu.Lock()
		released := !mic.opened && mic.closeCount == 1
		mic.mu.Unlock()
		if !released {
			t.Error("microphone must be released exactly once")
		}
		if !tr.isClosed() {
			t.Error("transport must report released")
		}
		out.mu.Lock()
		outClosed := out.closed
		out.mu.Unlock()
		if !outClosed {
			t.Error("output device must report released")
		}
		waitUntil(t, "disconnected status", func() bool { return sink.countState(StateDisconnected) == 1 })
		if n := sink.countState(StateDisconnected); n != 1 {
			t.Errorf("expected exactly one Disconnected status, got %d", n)
		}
	})
}

func TestControllerDisconnectDuringConnect(t *testing.T) {
	ctrl, tr, mic, out := newTestController()
	sink := sinkEvents(ctrl)
	tr.connectGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Connect(context.Background(), "hello") }()
	waitUntil(t, "dial in flight", tr.wasConnectCalled)

	// Teardown completes while the dial is still parked.
	ctrl.Disconnect()
	if ctrl.State() != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", ctrl.State())
	}
	close(tr.connectGate)

	if err := <-errCh; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	// Resources acquired after the teardown ran must still be released.
	out.mu.Lock()
	outHeld := out.opened
	out.mu.Unlock()
	if outHeld {
		t.Error("output device left acquired after teardown")
	}
	mic.mu.Lock()
	micHeld := mic.opened
	mic.mu.Unlock()
	if micHeld {
		t.Error("microphone left acquired after teardown")
	}
	if !tr.isClosed() {
		t.Error("transport left open after teardown")
	}

	waitUntil(t, "disconnected status", func() bool { return sink.countState(StateDisconnected) == 1 })
	if n := sink.countState(StateError); n != 0 {
		t.Errorf("expected no Error status, got %d", n)
	}
}

func TestControllerTerminalStatusSurvivesFullQueue(t *testing.T) {
	tr := newMockTransport()
	mic := &fakeCaptureDevice{}
	out := newFakeOutputDevice()
	cfg := controllerTestConfig()
	cfg.EventQueueSize = 4
	ctrl := NewController(tr, mic, out, cfg, nil)

	if err := ctrl.Connect(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nobody drains events; level events saturate the queue.
	loud := []byte{0x00, 0x20, 0x00, 0x20, 0x00, 0x20, 0x00, 0x20}
	for i := 0; i < 8; i++ {
		mic.push(loud)
	}
	waitUntil(t, "full event queue", func() bool { return len(ctrl.events) == cfg.EventQueueSize })

	ctrl.Disconnect()

	found := false
	for drained := false; !drained; {
		select {
		case ev := <-ctrl.events:
			if ev.Type == StatusChanged && ev.Data.(StatusUpdate).State == StateDisconnected {
				found = true
			}
		default:
			drained = true
		}
	}
	if !found {
		t.Error("terminal status must survive a saturated event queue")
	}
}

func TestControllerRejectsReuseAfterTerminalState(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	sinkEvents(ctrl)

	ctrl.Disconnect()
	if err := ctrl.Connect(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestControllerMidSessionDrop(t *testing.T) {
	ctrl, tr, mic, out := newTestController()
	sink := sinkEvents(ctrl)

	if err := ctrl.Connect(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.inbound <- ServerMessage{Kind: KindClosed}

	waitUntil(t, "error state", func() bool { return ctrl.State() == StateError })
	waitUntil(t, "error status", func() bool { return sink.countState(StateError) == 1 })

	if n := sink.countState(StateError); n != 1 {
		t.Errorf("expected exactly one Error status, got %d", n)
	}
	mic.mu.Lock()
	released := !mic.opened
	mic.mu.Unlock()
	if !released {
		t.Error("microphone must report released after a drop")
	}
	if !tr.isClosed() {
		t.Error("transport must report released after a drop")
	}
	out.mu.Lock()
	outClosed := out.closed
	out.mu.Unlock()
	if !outClosed {
		t.Error("output device must report released after a drop")
	}

	// Disconnect after the failure stays a no-op.
	ctrl.Disconnect()
	if n := sink.countState(StateDisconnected); n != 0 {
		t.Errorf("expected no Disconnected status after Error, got %d", n)
	}
}

func TestControllerEndToEndFlow(t *testing.T) {
	ctrl, tr, mic, out := newTestController()
	sink := sinkEvents(ctrl)

	if err := ctrl.Connect(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ctrl.Disconnect()

	mic.mu.Lock()
	started := mic.started
	mic.mu.Unlock()
	if !started {
		t.Fatal("capture must be started once connected")
	}

	// Local audio flows capture -> encode -> send, with one level event
	// per frame. Two loud frames confirm a speech run.
	mic.push([]byte{0x00, 0x20, 0x00, 0x20, 0x00, 0x20, 0x00, 0x20})
	mic.push([]byte{0x00, 0x20, 0x00, 0x20, 0x00, 0x20, 0x00, 0x20})
	waitUntil(t, "frames sent", func() bool { return tr.sentCount() == 2 })
	waitUntil(t, "level event", func() bool { return sink.levels() >= 2 })
	waitUntil(t, "speech start", func() bool { return len(sink.activities()) == 1 })
	if acts := sink.activities(); !acts[0].Speaking {
		t.Error("expected a speaking-start activity event")
	}

	// Remote audio is scheduled for playback in arrival order.
	tr.inbound <- ServerMessage{Kind: KindAudio, Audio: DecodedBuffer{Samples: make([]float32, 240), SampleRate: 24000}}
	waitUntil(t, "buffer scheduled", func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.plays) == 1
	})

	// Transcript fragments surface as ordered updates.
	tr.inbound <- ServerMessage{Kind: KindTranscript, Fragment: TranscriptFragment{Speaker: SpeakerRemote, Text: "Hello", IsFinal: false}}
	tr.inbound <- ServerMessage{Kind: KindTranscript, Fragment: TranscriptFragment{Speaker: SpeakerRemote, Text: " there", IsFinal: true}}
	waitUntil(t, "transcript events", func() bool { return len(sink.transcripts()) >= 2 })

	updates := sink.transcripts()
	if updates[0].Text != "Hello" || updates[0].TurnComplete {
		t.Errorf("expected running 'Hello', got %+v", updates[0])
	}
	last := updates[len(updates)-1]
	if last.Text != "Hello there" || !last.TurnComplete {
		t.Errorf("expected completed 'Hello there', got %+v", last)
	}

	statuses := sink.statuses()
	if len(statuses) < 2 || statuses[0].State != StateConnecting || statuses[1].State != StateConnected {
		t.Errorf("expected Connecting then Connected, got %+v", statuses)
	}
}
