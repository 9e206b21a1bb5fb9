// Package session implements a duplex real-time voice session against a
// remote conversational agent: it captures microphone audio, streams it
// over a websocket channel, plays the synthesized speech coming back with
// no gaps or overlaps, and surfaces transcript, level and status events on
// one ordered channel.
package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Controller is the top-level state machine and public contract. It wires
// capture, transport, playback and transcript aggregation together and owns
// the connect/disconnect lifecycle. A controller is single-use: once it
// reaches Disconnected or Error, build a new one for the next session.
type Controller struct {
	cfg    Config
	logger Logger

	transport  Transport
	capture    *CaptureStage
	output     OutputDevice
	scheduler  *PlaybackScheduler
	aggregator *TranscriptAggregator
	detector   *SpeechDetector

	events chan Event

	// audioTap, when set, sees every decoded buffer before it is
	// scheduled. Diagnostic hook; must not block.
	audioTap func(DecodedBuffer)

	mu      sync.Mutex
	state   State
	tearing bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewController builds a controller from its collaborators. Credentials and
// tuning come in through cfg; nothing is read from the environment.
func NewController(transport Transport, mic CaptureDevice, out OutputDevice, cfg Config, logger Logger) *Controller {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Controller{
		cfg:        cfg,
		logger:     logger,
		transport:  transport,
		capture:    NewCaptureStage(mic, cfg, logger),
		output:     out,
		scheduler:  NewPlaybackScheduler(out, cfg, logger),
		aggregator: NewTranscriptAggregator(),
		detector:   NewSpeechDetector(cfg),
		events:     make(chan Event, cfg.EventQueueSize),
		state:      StateIdle,
	}
}

// Events returns the single ordered event channel. The caller must drain
// it; events are dropped with a warning once the buffer fills.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// SetAudioTap installs a hook that observes every decoded inbound buffer.
// Must be called before Connect.
func (c *Controller) SetAudioTap(tap func(DecodedBuffer)) {
	c.audioTap = tap
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the session: microphone first (a capture-side denial
// must never touch the network), then the transport channel, then the
// output device, then the pump tasks. Only valid from Idle.
func (c *Controller) Connect(ctx context.Context, instruction string) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrSessionActive
	default:
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	if err := c.capture.Open(); err != nil {
		c.logger.Error("capture open failed", "error", err)
		c.teardown(StateError, err.Error())
		return err
	}

	if err := c.transport.Connect(ctx, instruction, c.cfg.Voice); err != nil {
		c.logger.Error("transport connect failed", "error", err)
		c.teardown(StateError, err.Error())
		return err
	}

	if err := c.output.Open(); err != nil {
		c.logger.Error("output device open failed", "error", err)
		c.teardown(StateError, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		c.scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return c.pumpCapture(gctx)
	})
	g.Go(func() error {
		return c.pumpInbound(gctx)
	})

	c.mu.Lock()
	if c.tearing {
		// A concurrent Disconnect finished while resources were still
		// being acquired; anything acquired after its teardown ran has no
		// other release path, so release it here.
		c.mu.Unlock()
		cancel()
		_ = g.Wait()
		if err := c.output.Close(); err != nil {
			c.logger.Warn("output device close failed", "error", err)
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("transport close failed", "error", err)
		}
		return ErrSessionClosed
	}
	c.cancel = cancel
	c.group = g
	c.setStateLocked(StateConnected, "")
	c.mu.Unlock()

	if err := c.capture.Start(); err != nil {
		c.logger.Error("capture start failed", "error", err)
		c.teardown(StateError, err.Error())
		return err
	}

	return nil
}

// Disconnect tears down the session. Valid from any state, idempotent, and
// synchronous: when it returns, every owned resource has been released.
func (c *Controller) Disconnect() {
	c.teardown(StateDisconnected, "")
}

// fail is the async failure path taken when the transport reports a closed
// channel or session-level error while connected. It is never retried; the
// caller decides whether to connect again.
func (c *Controller) fail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.teardown(StateError, msg)
}

// teardown cancels the pump tasks and releases every owned resource in
// order: microphone, output device, network channel. Release is
// best-effort: a failing step is logged and the remaining steps still run.
// Exactly one terminal status event is emitted per controller.
func (c *Controller) teardown(final State, msg string) {
	c.mu.Lock()
	if c.tearing || c.state == StateDisconnected || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.tearing = true
	cancel := c.cancel
	group := c.group
	c.cancel = nil
	c.group = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.capture.Stop()
	c.scheduler.Reset()
	if err := c.output.Close(); err != nil {
		c.logger.Warn("output device close failed", "error", err)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("transport close failed", "error", err)
	}

	if group != nil {
		if err := group.Wait(); err != nil {
			c.logger.Warn("pump task exited with error", "error", err)
		}
	}
	c.aggregator.Reset()
	c.detector.Reset()

	c.mu.Lock()
	c.setStateLocked(final, msg)
	c.mu.Unlock()
}

// pumpCapture is the capture→encode→send direction: one dedicated task.
// Frame send order matches capture order because both the frame channel and
// the transport send queue are FIFO.
func (c *Controller) pumpCapture(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cf, ok := <-c.capture.Frames():
			if !ok {
				return nil
			}
			c.emit(Event{Type: AudioLevel, Data: LevelUpdate{Level: cf.Level}})
			if c.detector.Observe(cf.Level) {
				c.emit(Event{Type: SpeechActivity, Data: ActivityUpdate{Speaking: c.detector.Speaking()}})
			}
			if err := c.transport.Send(cf.Frame); err != nil {
				c.logger.Warn("frame send failed", "seq", cf.Frame.Seq, "error", err)
			}
		}
	}
}

// pumpInbound is the receive→dispatch direction: one dedicated task that
// routes each inbound message, in arrival order, to the playback scheduler
// or the transcript aggregator. Terminal messages trigger the teardown path
// from a fresh goroutine so the pump can exit and be waited on.
func (c *Controller) pumpInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.transport.Inbound():
			if !ok {
				go c.fail(errors.New("transport channel closed"))
				return nil
			}
			switch msg.Kind {
			case KindAudio:
				if c.audioTap != nil {
					c.audioTap(msg.Audio)
				}
				c.scheduler.Enqueue(msg.Audio)
			case KindTranscript:
				for _, u := range c.aggregator.Append(msg.Fragment) {
					c.emit(Event{Type: TranscriptUpdated, Data: u})
				}
			case KindClosed:
				go c.fail(errors.New("remote closed the session"))
				return nil
			case KindError:
				go c.fail(msg.Err)
				return nil
			}
		}
	}
}

// setStateLocked transitions the state and emits the status event. Caller
// holds c.mu.
func (c *Controller) setStateLocked(s State, msg string) {
	if c.state == s {
		return
	}
	c.state = s
	c.emitStatus(Event{Type: StatusChanged, Data: StatusUpdate{State: s, Message: msg}})
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// emitStatus never loses a status event: when the queue is full the oldest
// queued event is evicted to make room. Status events are the one kind the
// caller must see even when it falls behind on levels and transcripts.
func (c *Controller) emitStatus(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case old := <-c.events:
			c.logger.Warn("event queue full, evicting event", "type", old.Type)
		default:
		}
	}
}
