package source

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/capture/mock"
)

// warnCounter is an slog.Handler that counts warning records and discards
// everything else.
type warnCounter struct {
	warns atomic.Int32
}

func (h *warnCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h *warnCounter) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelWarn {
		h.warns.Add(1)
	}
	return nil
}

func (h *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *warnCounter) WithGroup(string) slog.Handler      { return h }

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSource(t *testing.T, platform capture.Platform, sink capture.Sink) *Source {
	t.Helper()
	s := New(Options{
		Platform: platform,
		Sink:     sink,
		Metrics:  testMetrics(t),
		Logger:   slog.Default(),
	})
	s.retryInterval = 5 * time.Millisecond
	return s
}

func TestStartStop_JoinsCaptureLoop(t *testing.T) {
	client := captureClient()
	platform := &mock.Platform{
		DefaultCapture: &mock.Endpoint{IDValue: "mic", NameValue: "Mic", ActivateResults: []capture.Client{client}},
	}
	s := newTestSource(t, platform, &mock.Sink{})

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, "session active", s.Active)

	s.Stop()

	if s.Active() {
		t.Error("source still active after Stop")
	}
	if client.CallCountStop == 0 || client.CallCountClose == 0 {
		t.Errorf("client stop/close counts = %d/%d, want both > 0", client.CallCountStop, client.CallCountClose)
	}
	if err := s.Start(inputConfig()); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	s.Stop()
}

func TestStartStop_JoinsSupervisor(t *testing.T) {
	s := newTestSource(t, &mock.Platform{}, &mock.Sink{})

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let the supervisor run a few failed retry ticks.
	time.Sleep(25 * time.Millisecond)

	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the supervisor")
	}
	if s.Active() {
		t.Error("source active despite no endpoint")
	}
}

func TestStart_SecondCallFails(t *testing.T) {
	client := captureClient()
	platform := &mock.Platform{
		DefaultCapture: &mock.Endpoint{IDValue: "mic", ActivateResults: []capture.Client{client}},
	}
	s := newTestSource(t, platform, &mock.Sink{})

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(inputConfig()); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

func TestRepeatedOpenFailures_SingleWarning(t *testing.T) {
	counter := &warnCounter{}
	s := New(Options{
		Platform: &mock.Platform{},
		Sink:     &mock.Sink{},
		Metrics:  testMetrics(t),
		Logger:   slog.New(counter),
	})
	s.retryInterval = 2 * time.Millisecond

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Dozens of retry ticks, every one failing.
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := counter.warns.Load(); got != 1 {
		t.Errorf("warning count = %d, want exactly 1", got)
	}
}

func TestReconnectAfterInvalidation(t *testing.T) {
	frames1 := &mock.FrameService{}
	client1 := captureClient()
	client1.CaptureServiceResult = frames1
	frames2 := &mock.FrameService{}
	client2 := captureClient()
	client2.CaptureServiceResult = frames2
	platform := &mock.Platform{
		DefaultCapture: &mock.Endpoint{
			IDValue:         "mic",
			NameValue:       "Mic",
			ActivateResults: []capture.Client{client1, client2},
		},
	}
	sink := &mock.Sink{}
	s := newTestSource(t, platform, sink)

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, "session active", s.Active)

	frames1.Err = capture.ErrDeviceInvalidated
	client1.Signal()

	// A frame flowing from the second client proves the session was
	// rebuilt on it.
	waitUntil(t, "frame from rebuilt session", func() bool {
		frames2.Push(capture.Batch{Data: make([]byte, 960), Frames: 480})
		client2.Signal()
		return len(sink.Emitted()) > 0
	})

	s.Stop()
	if client1.CallCountClose == 0 {
		t.Error("invalidated client never released")
	}
	if client2.CallCountStart != 1 {
		t.Errorf("rebuilt client start count = %d, want 1", client2.CallCountStart)
	}
}

func TestUpdate_TimingOnlyAppliesInPlace(t *testing.T) {
	frames := &mock.FrameService{}
	client := captureClient()
	client.CaptureServiceResult = frames
	ep := &mock.Endpoint{IDValue: "mic", NameValue: "Mic", ActivateResults: []capture.Client{client}}
	platform := &mock.Platform{DefaultCapture: ep}
	sink := &mock.Sink{}
	s := newTestSource(t, platform, sink)

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitUntil(t, "session active", s.Active)

	timing := true
	cfg := inputConfig()
	cfg.UseDeviceTiming = &timing
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if client.CallCountStop != 0 {
		t.Error("timing-only update tore the session down")
	}
	if ep.CallCountActivate != 1 {
		t.Errorf("activations = %d after timing update, want 1", ep.CallCountActivate)
	}

	// The flipped flag takes effect on the very next batch.
	dts := time.Unix(1700000000, 0)
	batch := capture.Batch{Data: make([]byte, 960), Frames: 480, DeviceTimestamp: dts}
	frames.Push(batch)
	client.Signal()

	waitUntil(t, "frame emitted", func() bool { return len(sink.Emitted()) > 0 })
	if got := sink.Emitted()[0].Timestamp; !got.Equal(dts) {
		t.Errorf("timestamp = %v, want device timestamp %v", got, dts)
	}
}

func TestUpdate_DeviceChangeRestarts(t *testing.T) {
	clientA := captureClient()
	clientB := captureClient()
	platform := &mock.Platform{
		EndpointsByID: map[string]capture.Endpoint{
			"mic-a": &mock.Endpoint{IDValue: "mic-a", NameValue: "Mic A", ActivateResults: []capture.Client{clientA}},
			"mic-b": &mock.Endpoint{IDValue: "mic-b", NameValue: "Mic B", ActivateResults: []capture.Client{clientB}},
		},
	}
	s := newTestSource(t, platform, &mock.Sink{})

	cfg := inputConfig()
	cfg.DeviceID = "mic-a"
	if err := s.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitUntil(t, "session active", s.Active)

	cfg.DeviceID = "mic-b"
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitUntil(t, "session active on new device", s.Active)

	if clientA.CallCountStop == 0 || clientA.CallCountClose == 0 {
		t.Error("old device session not torn down")
	}
	if clientB.CallCountStart != 1 {
		t.Errorf("new device start count = %d, want 1", clientB.CallCountStart)
	}
}

func TestSupervisor_DisablesMonitoringWhileRetrying(t *testing.T) {
	monitor := &mock.Monitor{Enabled: true}
	client := captureClient()
	platform := &mock.Platform{}
	s := New(Options{
		Platform: platform,
		Sink:     &mock.Sink{},
		Monitor:  monitor,
		Metrics:  testMetrics(t),
		Logger:   slog.Default(),
	})
	s.retryInterval = 2 * time.Millisecond

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitUntil(t, "monitoring disabled", func() bool { return !monitor.Monitoring() })

	// Plug the device in; the next retry tick must restore monitoring.
	platform.SetDefaultCapture(&mock.Endpoint{IDValue: "mic", NameValue: "Mic", ActivateResults: []capture.Client{client}})

	waitUntil(t, "session active", s.Active)
	waitUntil(t, "monitoring restored", monitor.Monitoring)
}

func TestSupervisor_RestoresMonitoringOnStop(t *testing.T) {
	monitor := &mock.Monitor{Enabled: true}
	s := New(Options{
		Platform: &mock.Platform{},
		Sink:     &mock.Sink{},
		Monitor:  monitor,
		Metrics:  testMetrics(t),
		Logger:   slog.Default(),
	})
	s.retryInterval = 2 * time.Millisecond

	if err := s.Start(inputConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, "monitoring disabled", func() bool { return !monitor.Monitoring() })

	// Stopping mid-retry must not leave monitoring stuck off.
	s.Stop()
	waitUntil(t, "monitoring restored after stop", monitor.Monitoring)
}
