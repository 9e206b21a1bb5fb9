package session

import (
	"context"
	"sync"
	"time"
)

// OutputDevice abstracts the audio output. Now reports the device clock
// (playable position since Open); PlayAt schedules samples to begin at a
// clock time and is only ever called with non-overlapping, non-decreasing
// start times; Flush discards scheduled audio that has not started yet.
// Close must be idempotent.
type OutputDevice interface {
	Open() error
	Now() time.Duration
	PlayAt(samples []float32, at time.Duration) error
	Flush()
	Close() error
}

// PlaybackScheduler renders irregularly arriving buffers as one continuous
// gap-free, non-overlapping stream. The nextStartTime cursor lives inside
// Run's goroutine and has exactly one writer; callers talk to it through
// channels only.
type PlaybackScheduler struct {
	dev    OutputDevice
	logger Logger

	in      chan DecodedBuffer
	resetCh chan struct{}

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewPlaybackScheduler(dev OutputDevice, cfg Config, logger Logger) *PlaybackScheduler {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PlaybackScheduler{
		dev:     dev,
		logger:  logger,
		in:      make(chan DecodedBuffer, cfg.PlaybackQueueSize),
		resetCh: make(chan struct{}, 1),
	}
}

// Run owns the cursor until ctx is cancelled.
//
// For every buffer: read the device clock; if the cursor has fallen behind
// (underrun or first use), resync it forward to now rather than scheduling
// in the past; schedule the buffer at the cursor; advance the cursor by the
// buffer's duration. Silence across an underrun is the worst case, never
// overlapping audio.
func (p *PlaybackScheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	p.mu.Lock()
	p.running = true
	p.done = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	var next time.Duration
	primed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.resetCh:
			primed = false
		case buf := <-p.in:
			// A reset issued before this buffer takes effect first.
			select {
			case <-p.resetCh:
				primed = false
			default:
			}
			now := p.dev.Now()
			if !primed || next < now {
				next = now
				primed = true
			}
			if err := p.dev.PlayAt(buf.Samples, next); err != nil {
				p.logger.Warn("playback scheduling failed", "error", err)
				continue
			}
			next += buf.Duration()
		}
	}
}

// Enqueue hands a decoded buffer to the scheduling task. Buffers are played
// in enqueue order; when the queue is full the buffer is dropped with a
// warning rather than stalling the dispatch path.
func (p *PlaybackScheduler) Enqueue(buf DecodedBuffer) {
	select {
	case p.in <- buf:
	default:
		p.logger.Warn("playback queue full, dropping buffer",
			"duration", buf.Duration())
	}
}

// Reset discards any buffer not yet started and re-primes the cursor to the
// device clock on next use. Used when a session restarts or tears down.
func (p *PlaybackScheduler) Reset() {
	// Drain queued buffers first so stale audio is not scheduled after the
	// re-prime.
	for {
		select {
		case <-p.in:
		default:
			p.dev.Flush()
			select {
			case p.resetCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Wait blocks until the scheduling task has exited. It returns immediately
// if Run was never started.
func (p *PlaybackScheduler) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}
