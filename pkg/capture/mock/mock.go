// Package mock provides in-memory mock implementations of the capture
// interfaces ([capture.Platform], [capture.Client], [capture.FrameService],
// [capture.Canceller], …) for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	svc := &mock.FrameService{}
//	svc.Push(capture.Batch{Data: pcm, Frames: 480})
//	client := &mock.Client{
//	    MixFormatResult:      capture.Format{SampleRate: 48000, Channels: 2, Sample: capture.SampleFloat32},
//	    CaptureServiceResult: svc,
//	}
//	ep := &mock.Endpoint{IDValue: "dev-1", NameValue: "Test Mic", ActivateResults: []capture.Client{client}}
package mock

import (
	"sync"
	"time"

	"github.com/audiograph/echotap/pkg/capture"
)

// ─── Platform ─────────────────────────────────────────────────────────────────

// DefaultEndpointCall records one call to [Platform.DefaultEndpoint].
type DefaultEndpointCall struct {
	Direction capture.Direction
	Role      capture.Role
}

// Platform is a mock implementation of [capture.Platform].
type Platform struct {
	mu sync.Mutex

	// EndpointsResult is returned by [Platform.Endpoints].
	EndpointsResult []capture.EndpointInfo

	// EndpointsErr is returned by [Platform.Endpoints].
	EndpointsErr error

	// DefaultCapture is returned for DefaultEndpoint(DirectionCapture, …).
	DefaultCapture capture.Endpoint

	// DefaultCaptureErr overrides DefaultCapture with an error.
	DefaultCaptureErr error

	// DefaultRender is returned for DefaultEndpoint(DirectionRender, …).
	DefaultRender capture.Endpoint

	// DefaultRenderErr overrides DefaultRender with an error.
	DefaultRenderErr error

	// EndpointsByID maps explicit ids to endpoints for [Platform.Endpoint].
	// Lookups that miss return [capture.ErrEndpointNotFound].
	EndpointsByID map[string]capture.Endpoint

	// DefaultEndpointCalls records every DefaultEndpoint call in order.
	DefaultEndpointCalls []DefaultEndpointCall

	// EndpointCalls records the ids passed to Endpoint in order.
	EndpointCalls []string
}

// SetDefaultCapture swaps the default capture endpoint at runtime, e.g. to
// simulate a device being plugged in while a reconnect loop is retrying.
func (p *Platform) SetDefaultCapture(ep capture.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DefaultCapture = ep
	p.DefaultCaptureErr = nil
}

// Endpoints implements [capture.Platform].
func (p *Platform) Endpoints(capture.Direction) ([]capture.EndpointInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.EndpointsResult, p.EndpointsErr
}

// DefaultEndpoint implements [capture.Platform].
func (p *Platform) DefaultEndpoint(d capture.Direction, r capture.Role) (capture.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DefaultEndpointCalls = append(p.DefaultEndpointCalls, DefaultEndpointCall{Direction: d, Role: r})
	if d == capture.DirectionRender {
		if p.DefaultRenderErr != nil {
			return nil, p.DefaultRenderErr
		}
		if p.DefaultRender == nil {
			return nil, capture.ErrEndpointNotFound
		}
		return p.DefaultRender, nil
	}
	if p.DefaultCaptureErr != nil {
		return nil, p.DefaultCaptureErr
	}
	if p.DefaultCapture == nil {
		return nil, capture.ErrEndpointNotFound
	}
	return p.DefaultCapture, nil
}

// Endpoint implements [capture.Platform].
func (p *Platform) Endpoint(id string) (capture.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EndpointCalls = append(p.EndpointCalls, id)
	if ep, ok := p.EndpointsByID[id]; ok {
		return ep, nil
	}
	return nil, capture.ErrEndpointNotFound
}

// ─── Endpoint ─────────────────────────────────────────────────────────────────

// Endpoint is a mock implementation of [capture.Endpoint].
//
// Each Activate call consumes the next entry of ActivateResults; when the
// list is exhausted the last entry is reused. This models the re-activation
// a failed Initialize forces during format negotiation.
type Endpoint struct {
	mu sync.Mutex

	// IDValue is returned by [Endpoint.ID].
	IDValue string

	// NameValue is returned by [Endpoint.Name].
	NameValue string

	// ActivateResults are returned by successive Activate calls.
	ActivateResults []capture.Client

	// ActivateErr is returned by Activate when set.
	ActivateErr error

	// CallCountActivate records how many times Activate was called.
	CallCountActivate int
}

// ID implements [capture.Endpoint].
func (e *Endpoint) ID() string { return e.IDValue }

// Name implements [capture.Endpoint].
func (e *Endpoint) Name() string { return e.NameValue }

// Activate implements [capture.Endpoint].
func (e *Endpoint) Activate() (capture.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountActivate++
	if e.ActivateErr != nil {
		return nil, e.ActivateErr
	}
	if len(e.ActivateResults) == 0 {
		return &Client{}, nil
	}
	c := e.ActivateResults[0]
	if len(e.ActivateResults) > 1 {
		e.ActivateResults = e.ActivateResults[1:]
	}
	return c, nil
}

// ─── Client ───────────────────────────────────────────────────────────────────

// InitializeCall records one call to [Client.Initialize].
type InitializeCall struct {
	Format         capture.Format
	Flags          capture.InitFlags
	BufferDuration time.Duration
}

// Client is a mock implementation of [capture.Client].
type Client struct {
	mu sync.Mutex

	// MixFormatResult is returned by [Client.MixFormat].
	MixFormatResult capture.Format

	// MixFormatErr is returned by [Client.MixFormat].
	MixFormatErr error

	// InitializeFunc, when non-nil, decides the result of each Initialize
	// call. Otherwise InitializeErr is returned.
	InitializeFunc func(f capture.Format, flags capture.InitFlags) error

	// InitializeErr is returned by Initialize when InitializeFunc is nil.
	InitializeErr error

	// StartErr is returned by [Client.Start].
	StartErr error

	// StopErr is returned by [Client.Stop].
	StopErr error

	// CaptureServiceResult is returned by [Client.CaptureService].
	CaptureServiceResult capture.FrameService

	// CaptureServiceErr is returned by [Client.CaptureService].
	CaptureServiceErr error

	// RenderServiceResult is returned by [Client.RenderService].
	RenderServiceResult capture.RenderService

	// RenderServiceErr is returned by [Client.RenderService].
	RenderServiceErr error

	// InitializeCalls records every Initialize call in order.
	InitializeCalls []InitializeCall

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	dataReady chan struct{}
}

// MixFormat implements [capture.Client].
func (c *Client) MixFormat() (capture.Format, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.MixFormatResult, c.MixFormatErr
}

// Initialize implements [capture.Client].
func (c *Client) Initialize(f capture.Format, flags capture.InitFlags, bufferDuration time.Duration) error {
	c.mu.Lock()
	fn := c.InitializeFunc
	c.InitializeCalls = append(c.InitializeCalls, InitializeCall{Format: f, Flags: flags, BufferDuration: bufferDuration})
	err := c.InitializeErr
	c.mu.Unlock()
	if fn != nil {
		return fn(f, flags)
	}
	return err
}

// Start implements [capture.Client].
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	return c.StartErr
}

// Stop implements [capture.Client].
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	return c.StopErr
}

// Close implements [capture.Client].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return nil
}

// DataReady implements [capture.Client].
func (c *Client) DataReady() <-chan struct{} {
	return c.readyChan()
}

// Signal marks data as ready, waking a capture loop blocked on DataReady.
// Non-blocking; a signal already pending is not duplicated.
func (c *Client) Signal() {
	select {
	case c.readyChan() <- struct{}{}:
	default:
	}
}

func (c *Client) readyChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataReady == nil {
		c.dataReady = make(chan struct{}, 1)
	}
	return c.dataReady
}

// CaptureService implements [capture.Client].
func (c *Client) CaptureService() (capture.FrameService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CaptureServiceResult, c.CaptureServiceErr
}

// RenderService implements [capture.Client].
func (c *Client) RenderService() (capture.RenderService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RenderServiceResult, c.RenderServiceErr
}

// ─── FrameService ─────────────────────────────────────────────────────────────

// FrameService is a mock implementation of [capture.FrameService]. Batches
// pushed via [FrameService.Push] are delivered in order; Batch pops the
// front entry.
type FrameService struct {
	mu sync.Mutex

	// Err, when set, is returned by NextBatchSize and Batch. Set it to
	// [capture.ErrDeviceInvalidated] to simulate device loss mid-stream.
	Err error

	// ReleaseErr is returned by [FrameService.Release].
	ReleaseErr error

	// ReleasedFrames records the frame counts passed to Release in order.
	ReleasedFrames []int

	batches []capture.Batch
}

// Push appends a pending batch.
func (s *FrameService) Push(b capture.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

// Pending returns the number of batches not yet consumed.
func (s *FrameService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// NextBatchSize implements [capture.FrameService].
func (s *FrameService) NextBatchSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.batches) == 0 {
		return 0, nil
	}
	return s.batches[0].Frames, nil
}

// Batch implements [capture.FrameService]. It pops the front pending batch.
func (s *FrameService) Batch() (capture.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return capture.Batch{}, s.Err
	}
	if len(s.batches) == 0 {
		return capture.Batch{}, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

// Release implements [capture.FrameService].
func (s *FrameService) Release(frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReleasedFrames = append(s.ReleasedFrames, frames)
	return s.ReleaseErr
}

// ─── RenderService ────────────────────────────────────────────────────────────

// RenderService is a mock implementation of [capture.RenderService].
type RenderService struct {
	mu sync.Mutex

	// BufferFramesResult is returned by [RenderService.BufferFrames].
	BufferFramesResult int

	// BufferFramesErr is returned by [RenderService.BufferFrames].
	BufferFramesErr error

	// WriteSilenceErr is returned by [RenderService.WriteSilence].
	WriteSilenceErr error

	// WriteSilenceCalls records the frame counts passed to WriteSilence.
	WriteSilenceCalls []int
}

// BufferFrames implements [capture.RenderService].
func (s *RenderService) BufferFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BufferFramesResult, s.BufferFramesErr
}

// WriteSilence implements [capture.RenderService].
func (s *RenderService) WriteSilence(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteSilenceCalls = append(s.WriteSilenceCalls, n)
	return s.WriteSilenceErr
}

// ─── Canceller ────────────────────────────────────────────────────────────────

// CancellerInput records one call to [Canceller.ProcessInput].
type CancellerInput struct {
	Stream    int
	PCM       []byte
	Timestamp time.Time
	Duration  time.Duration
}

// Canceller is a mock implementation of [capture.Canceller]. Each
// ProcessOutput call consumes the next entry of Outputs; when the list is
// empty, nil is returned.
type Canceller struct {
	mu sync.Mutex

	// Outputs are returned by successive ProcessOutput calls.
	Outputs [][]byte

	// ProcessInputErr is returned by [Canceller.ProcessInput].
	ProcessInputErr error

	// ProcessOutputErr is returned by [Canceller.ProcessOutput].
	ProcessOutputErr error

	// FlushErr is returned by [Canceller.Flush].
	FlushErr error

	// InputCalls records every ProcessInput call in order. PCM is copied.
	InputCalls []CancellerInput

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int
}

// ProcessInput implements [capture.Canceller].
func (c *Canceller) ProcessInput(stream int, pcm []byte, timestamp time.Time, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.InputCalls = append(c.InputCalls, CancellerInput{Stream: stream, PCM: cp, Timestamp: timestamp, Duration: duration})
	return c.ProcessInputErr
}

// ProcessOutput implements [capture.Canceller].
func (c *Canceller) ProcessOutput() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ProcessOutputErr != nil {
		return nil, c.ProcessOutputErr
	}
	if len(c.Outputs) == 0 {
		return nil, nil
	}
	out := c.Outputs[0]
	c.Outputs = c.Outputs[1:]
	return out, nil
}

// Flush implements [capture.Canceller].
func (c *Canceller) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFlush++
	return c.FlushErr
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [capture.Sink]. Emitted frames are
// recorded with their Data deep-copied, since frame buffers are only valid
// for the duration of the Emit call.
type Sink struct {
	mu     sync.Mutex
	frames []capture.Frame
}

// Emit implements [capture.Sink].
func (s *Sink) Emit(f capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(f.Data))
	copy(cp, f.Data)
	f.Data = cp
	s.frames = append(s.frames, f)
}

// Emitted returns a snapshot of all frames emitted so far.
func (s *Sink) Emitted() []capture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// ─── Monitor ──────────────────────────────────────────────────────────────────

// Monitor is a mock implementation of [capture.Monitor].
type Monitor struct {
	mu sync.Mutex

	// Enabled is the current monitoring state.
	Enabled bool

	// SetCalls records every SetMonitoring call in order.
	SetCalls []bool
}

// Monitoring implements [capture.Monitor].
func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Enabled
}

// SetMonitoring implements [capture.Monitor].
func (m *Monitor) SetMonitoring(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enabled = v
	m.SetCalls = append(m.SetCalls, v)
}
