package session

import (
	"fmt"
	"sync"
)

// CaptureDevice abstracts an exclusive microphone handle. Open acquires the
// handle (and must classify failures as ErrPermissionDenied or
// ErrDeviceUnavailable); Start begins delivering PCM16 chunks to the
// callback registered at Open; Close stops delivery and releases the
// handle. Close must be idempotent.
type CaptureDevice interface {
	Open(onPCM func(pcm []byte)) error
	Start() error
	Close() error
}

// CaptureStage owns the microphone and produces a continuous sequence of
// fixed-size frames plus a power level per frame. The frame cadence is set
// by FrameSamples, not by wall-clock timers, so production keeps pace with
// the actual input device.
type CaptureStage struct {
	dev    CaptureDevice
	cfg    Config
	logger Logger

	mu      sync.Mutex
	opened  bool
	stopped bool
	seq     uint64
	pending []byte
	frames  chan CapturedFrame
}

func NewCaptureStage(dev CaptureDevice, cfg Config, logger Logger) *CaptureStage {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &CaptureStage{
		dev:    dev,
		cfg:    cfg,
		logger: logger,
		frames: make(chan CapturedFrame, cfg.CaptureQueueSize),
	}
}

// Open acquires the microphone without starting frame delivery, so a
// permission or device failure surfaces before any other resource is
// touched.
func (s *CaptureStage) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("capture stage stopped")
	}
	if s.opened {
		return nil
	}
	if err := s.dev.Open(s.onPCM); err != nil {
		return err
	}
	s.opened = true
	return nil
}

// Start begins frame delivery. Open must have succeeded first.
func (s *CaptureStage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.stopped {
		return fmt.Errorf("capture stage not open")
	}
	return s.dev.Start()
}

// Frames returns the stage's output channel. It is closed by Stop.
func (s *CaptureStage) Frames() <-chan CapturedFrame {
	return s.frames
}

// Stop releases the device and closes the frame channel. Idempotent: it is
// a no-op when the stage was never started or was already stopped, and the
// device is released on every exit path.
func (s *CaptureStage) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.opened {
		if err := s.dev.Close(); err != nil {
			s.logger.Warn("capture device close failed", "error", err)
		}
		s.opened = false
	}
	close(s.frames)
}

// onPCM runs on the device's data callback. It re-chunks arbitrary callback
// sizes into fixed FrameSamples-sized frames and must never block: a full
// queue drops the frame rather than stalling the device.
func (s *CaptureStage) onPCM(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.pending = append(s.pending, pcm...)
	frameBytes := s.cfg.FrameSamples * 2

	for len(s.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, s.pending[:frameBytes])
		s.pending = s.pending[frameBytes:]

		s.seq++
		cf := CapturedFrame{
			Frame: AudioFrame{
				Data:       data,
				SampleRate: s.cfg.InputSampleRate,
				Channels:   s.cfg.Channels,
				Seq:        s.seq,
			},
			Level: RMS(data),
		}
		select {
		case s.frames <- cf:
		default:
			s.logger.Warn("capture queue full, dropping frame", "seq", s.seq)
		}
	}
}
