// Package malgodev provides malgo-backed implementations of the capture and
// output device abstractions used by pkg/session.
package malgodev

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voicewire-ai/voicewire/pkg/session"
)

var _ session.CaptureDevice = (*CaptureDevice)(nil)

// CaptureDevice is an exclusive microphone handle over a malgo S16 mono
// capture device.
type CaptureDevice struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	started bool
}

func NewCaptureDevice(sampleRate, channels int) *CaptureDevice {
	return &CaptureDevice{sampleRate: sampleRate, channels: channels}
}

// Open acquires the device without starting delivery. Init failures are
// classified onto the session error taxonomy so the caller can surface
// PermissionDenied versus DeviceUnavailable.
func (d *CaptureDevice) Open(onPCM func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return fmt.Errorf("capture device already open")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return classifyInitError(err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.channels)
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			onPCM(pInput)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return classifyInitError(err)
	}

	d.mctx = mctx
	d.device = device
	return nil
}

// Start begins delivering capture callbacks.
func (d *CaptureDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return fmt.Errorf("capture device not open")
	}
	if d.started {
		return nil
	}
	if err := d.device.Start(); err != nil {
		return fmt.Errorf("%w: start capture: %v", session.ErrDeviceUnavailable, err)
	}
	d.started = true
	return nil
}

// Close stops delivery and releases the handle. Idempotent.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
		d.started = false
	}
	if d.mctx != nil {
		err := d.mctx.Uninit()
		d.mctx.Free()
		d.mctx = nil
		if err != nil {
			return err
		}
	}
	return nil
}

// classifyInitError maps malgo's init failures onto the session taxonomy.
// malgo surfaces miniaudio result codes as error strings, so the access
// denied case is detected by message.
func classifyInitError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "access denied") {
		return fmt.Errorf("%w: %v", session.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", session.ErrDeviceUnavailable, err)
}
