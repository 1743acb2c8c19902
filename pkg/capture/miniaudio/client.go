package miniaudio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/malgo"

	"github.com/audiograph/echotap/pkg/capture"
)

// maxPendingBatches bounds the capture queue when the consumer stalls. The
// oldest batch is dropped once the bound is hit, matching how a hardware
// ring buffer would overwrite unread periods.
const maxPendingBatches = 64

type client struct {
	ep *endpoint

	mu          sync.Mutex
	device      *malgo.Device
	format      capture.Format
	initialized bool
	started     bool
	closed      bool

	dataReady chan struct{}
	frames    *frameQueue
	render    *renderService
}

func newClient(e *endpoint) *client {
	return &client{
		ep:        e,
		dataReady: make(chan struct{}, 1),
	}
}

// MixFormat reports the device's preferred native format. When the backend
// does not report one, the miniaudio engine default of 48 kHz stereo float
// is returned.
func (c *client) MixFormat() (capture.Format, error) {
	c.ep.p.mu.Lock()
	defer c.ep.p.mu.Unlock()

	f := capture.Format{SampleRate: 48000, Channels: 2, Sample: capture.SampleFloat32}

	if c.ep.p.ctx == nil {
		return capture.Format{}, fmt.Errorf("miniaudio: platform closed")
	}
	info, err := c.ep.p.ctx.DeviceInfo(deviceType(c.ep.dir), c.ep.deviceID, malgo.Shared)
	if err != nil {
		return f, nil
	}
	if info.FormatCount > 0 {
		native := info.Formats[0]
		if native.SampleRate > 0 {
			f.SampleRate = int(native.SampleRate)
		}
		if native.Channels > 0 {
			f.Channels = int(native.Channels)
		}
		if malgo.FormatType(native.Format) == malgo.FormatS16 {
			f.Sample = capture.SampleInt16
		}
	}
	return f, nil
}

func malgoFormat(s capture.SampleFormat) malgo.FormatType {
	if s == capture.SampleInt16 {
		return malgo.FormatS16
	}
	return malgo.FormatF32
}

// Initialize opens the underlying miniaudio device with the given format.
// miniaudio converts internally, so the auto-convert flag is always
// honoured and a format rejection surfaces only as a device open failure.
func (c *client) Initialize(f capture.Format, flags capture.InitFlags, bufferDuration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("miniaudio: client closed")
	}
	if c.initialized {
		return fmt.Errorf("miniaudio: client already initialized")
	}

	dt := deviceType(c.ep.dir)
	loopback := c.ep.dir == capture.DirectionRender && flags&capture.FlagLoopback != 0
	if loopback {
		dt = malgo.Loopback
	}

	cfg := malgo.DefaultDeviceConfig(dt)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1
	cfg.Periods = 3
	if ms := bufferDuration.Milliseconds(); ms > 0 {
		cfg.PeriodSizeInMilliseconds = uint32(ms)
	}

	// Loopback streams select the playback device to tap, so the device id
	// goes on the playback side for both render cases.
	switch dt {
	case malgo.Capture:
		cfg.Capture.Format = malgoFormat(f.Sample)
		cfg.Capture.Channels = uint32(f.Channels)
		cfg.Capture.DeviceID = c.ep.deviceID.Pointer()
	case malgo.Loopback:
		cfg.Capture.Format = malgoFormat(f.Sample)
		cfg.Capture.Channels = uint32(f.Channels)
		cfg.Playback.DeviceID = c.ep.deviceID.Pointer()
	default:
		cfg.Playback.Format = malgoFormat(f.Sample)
		cfg.Playback.Channels = uint32(f.Channels)
		cfg.Playback.DeviceID = c.ep.deviceID.Pointer()
	}

	var callbacks malgo.DeviceCallbacks
	if dt == malgo.Playback {
		frames := int(cfg.PeriodSizeInMilliseconds) * f.SampleRate / 1000 * int(cfg.Periods)
		c.render = &renderService{bufferFrames: frames}
		callbacks.Data = func(output, _ []byte, _ uint32) {
			clear(output)
		}
	} else {
		q := &frameQueue{blockAlign: f.BlockAlign()}
		c.frames = q
		callbacks.Data = func(_, input []byte, frameCount uint32) {
			q.push(input, int(frameCount), time.Now())
			c.signal()
		}
	}
	callbacks.Stop = func() {
		c.invalidate()
	}

	c.ep.p.mu.Lock()
	ctx := c.ep.p.ctx
	c.ep.p.mu.Unlock()
	if ctx == nil {
		return fmt.Errorf("miniaudio: platform closed")
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		c.closed = true
		return fmt.Errorf("miniaudio: init %s device %q: %w", c.ep.dir, c.ep.name, err)
	}

	c.device = device
	c.format = f
	c.initialized = true
	return nil
}

func (c *client) signal() {
	select {
	case c.dataReady <- struct{}{}:
	default:
	}
}

// invalidate marks the stream dead after a backend stop notification and
// wakes any waiter so it observes the error promptly.
func (c *client) invalidate() {
	c.mu.Lock()
	started := c.started
	q := c.frames
	c.mu.Unlock()

	// A stop notification during our own Stop/Close is not a device loss.
	if !started {
		return
	}
	if q != nil {
		q.invalidate()
	}
	c.signal()
}

func (c *client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || c.closed {
		return fmt.Errorf("miniaudio: client not initialized")
	}
	if c.started {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("miniaudio: start device %q: %w", c.ep.name, err)
	}
	c.started = true
	return nil
}

func (c *client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil || !c.started {
		return nil
	}
	c.started = false
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop device %q: %w", c.ep.name, err)
	}
	return nil
}

func (c *client) DataReady() <-chan struct{} {
	return c.dataReady
}

func (c *client) CaptureService() (capture.FrameService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, fmt.Errorf("miniaudio: client not initialized")
	}
	if c.frames == nil {
		return nil, fmt.Errorf("miniaudio: not a capture stream")
	}
	return c.frames, nil
}

func (c *client) RenderService() (capture.RenderService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, fmt.Errorf("miniaudio: client not initialized")
	}
	if c.render == nil {
		return nil, fmt.Errorf("miniaudio: not a render stream")
	}
	return c.render, nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.device != nil {
		c.started = false
		c.device.Uninit()
		c.device = nil
	}
	return nil
}

// frameQueue adapts miniaudio's push callbacks to the pull-style
// FrameService contract.
type frameQueue struct {
	blockAlign int

	mu          sync.Mutex
	pending     []pendingBatch
	current     pendingBatch
	haveCurrent bool
	invalidated bool
}

type pendingBatch struct {
	data   []byte
	frames int
	stamp  time.Time
}

func (q *frameQueue) push(data []byte, frames int, stamp time.Time) {
	buf := make([]byte, len(data))
	copy(buf, data)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= maxPendingBatches {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, pendingBatch{data: buf, frames: frames, stamp: stamp})
}

func (q *frameQueue) invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invalidated = true
}

func (q *frameQueue) NextBatchSize() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		if q.invalidated {
			return 0, capture.ErrDeviceInvalidated
		}
		return 0, nil
	}
	return q.pending[0].frames, nil
}

func (q *frameQueue) Batch() (capture.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.haveCurrent {
		return capture.Batch{}, errors.New("miniaudio: previous batch not released")
	}
	if len(q.pending) == 0 {
		return capture.Batch{}, errors.New("miniaudio: no batch pending")
	}

	q.current = q.pending[0]
	q.pending = q.pending[1:]
	q.haveCurrent = true

	return capture.Batch{
		Data:            q.current.data,
		Frames:          q.current.frames,
		DeviceTimestamp: q.current.stamp,
	}, nil
}

func (q *frameQueue) Release(frames int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.haveCurrent {
		return errors.New("miniaudio: no batch to release")
	}
	if frames != q.current.frames {
		return fmt.Errorf("miniaudio: release of %d frames, batch has %d", frames, q.current.frames)
	}
	q.current = pendingBatch{}
	q.haveCurrent = false
	return nil
}

// renderService backs the silent keepalive stream. The playback data
// callback already zero-fills the buffer, so writing silence only needs to
// satisfy the contract.
type renderService struct {
	bufferFrames int
}

func (r *renderService) BufferFrames() (int, error) {
	return r.bufferFrames, nil
}

func (r *renderService) WriteSilence(n int) error {
	if n < 0 {
		return fmt.Errorf("miniaudio: negative silence frame count %d", n)
	}
	return nil
}
