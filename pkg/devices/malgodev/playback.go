package malgodev

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voicewire-ai/voicewire/pkg/session"
)

var _ session.OutputDevice = (*OutputDevice)(nil)

// segment is a run of samples scheduled to start at an absolute sample
// index on the device clock. Segments arrive in order with non-overlapping,
// non-decreasing starts; the playback scheduler guarantees that.
type segment struct {
	start   int64
	samples []float32
}

// OutputDevice renders scheduled float buffers through a malgo S16 playback
// device. Its clock is the rendered-frame counter: Now() advances exactly
// as fast as the device consumes audio, which is what gapless scheduling
// needs to measure against.
type OutputDevice struct {
	sampleRate int
	channels   int

	mu       sync.Mutex
	mctx     *malgo.AllocatedContext
	device   *malgo.Device
	rendered int64
	queue    []segment
}

func NewOutputDevice(sampleRate, channels int) *OutputDevice {
	return &OutputDevice{sampleRate: sampleRate, channels: channels}
}

// Open acquires and starts the playback device. The device runs for the
// whole session and renders silence whenever nothing is scheduled.
func (d *OutputDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return classifyInitError(err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(d.channels)
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return classifyInitError(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: start playback: %v", session.ErrDeviceUnavailable, err)
	}

	d.mctx = mctx
	d.device = device
	d.rendered = 0
	d.queue = nil
	return nil
}

// Now reports the device clock: how much audio the device has consumed
// since Open.
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	rendered := d.rendered
	d.mu.Unlock()
	return time.Duration(rendered) * time.Second / time.Duration(d.sampleRate)
}

// PlayAt schedules samples to begin at the given clock time. Ownership of
// the slice transfers to the device.
func (d *OutputDevice) PlayAt(samples []float32, at time.Duration) error {
	start := sampleIndex(at, d.sampleRate)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return fmt.Errorf("output device not open")
	}
	d.queue = append(d.queue, segment{start: start, samples: samples})
	return nil
}

// Flush discards every scheduled segment that has not started playing.
func (d *OutputDevice) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.queue[:0]
	for _, seg := range d.queue {
		if seg.start < d.rendered {
			kept = append(kept, seg)
		}
	}
	d.queue = kept
}

// Close stops the device and releases it. Idempotent.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.mctx != nil {
		err := d.mctx.Uninit()
		d.mctx.Free()
		d.mctx = nil
		if err != nil {
			return err
		}
	}
	d.queue = nil
	return nil
}

// sampleIndex converts a clock time to an absolute sample index. Seconds and
// the sub-second remainder are scaled separately so long sessions never
// overflow the intermediate product.
func sampleIndex(at time.Duration, rate int) int64 {
	sec := int64(at / time.Second)
	rem := int64(at % time.Second)
	return sec*int64(rate) + rem*int64(rate)/int64(time.Second)
}

// onSamples fills the device buffer from scheduled segments, silence in the
// stretches between them.
func (d *OutputDevice) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pOutput == nil {
		return
	}
	for i := range pOutput {
		pOutput[i] = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	windowStart := d.rendered
	windowEnd := windowStart + int64(frameCount)

	for _, seg := range d.queue {
		segEnd := seg.start + int64(len(seg.samples))
		if segEnd <= windowStart || seg.start >= windowEnd {
			continue
		}
		from := windowStart
		if seg.start > from {
			from = seg.start
		}
		to := windowEnd
		if segEnd < to {
			to = segEnd
		}
		for pos := from; pos < to; pos++ {
			f := seg.samples[pos-seg.start]
			if f > 1 {
				f = 1
			} else if f < -1 {
				f = -1
			}
			v := int16(f * 32767)
			out := (pos - windowStart) * 2
			pOutput[out] = byte(v)
			pOutput[out+1] = byte(v >> 8)
		}
	}

	d.rendered = windowEnd

	// Drop segments that finished inside this window.
	kept := d.queue[:0]
	for _, seg := range d.queue {
		if seg.start+int64(len(seg.samples)) > d.rendered {
			kept = append(kept, seg)
		}
	}
	d.queue = kept
}
