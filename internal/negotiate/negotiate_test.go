package negotiate

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/capture/mock"
)

var nativeMix = capture.Format{
	SampleRate:  48000,
	Channels:    2,
	Sample:      capture.SampleFloat32,
	ChannelMask: capture.Mask5Point1,
}

// rejectingClient builds a mock client whose Initialize accepts only formats
// satisfying accept.
func rejectingClient(accept func(capture.Format) bool) *mock.Client {
	c := &mock.Client{MixFormatResult: nativeMix}
	c.InitializeFunc = func(f capture.Format, _ capture.InitFlags) error {
		if accept(f) {
			return nil
		}
		return &capture.FormatError{Requested: f}
	}
	return c
}

func endpointWith(clients ...capture.Client) *mock.Endpoint {
	return &mock.Endpoint{IDValue: "dev-1", NameValue: "Test Device", ActivateResults: clients}
}

func TestNegotiate_NativeAccepted(t *testing.T) {
	client := rejectingClient(func(capture.Format) bool { return true })
	ep := endpointWith(client)

	got, format, err := Negotiate(ep, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != client {
		t.Error("expected the first activated client to be returned")
	}
	if format != nativeMix {
		t.Errorf("format = %+v, want native mix", format)
	}
	if ep.CallCountActivate != 1 {
		t.Errorf("activate count = %d, want 1", ep.CallCountActivate)
	}
}

func TestNegotiate_ThirdRung(t *testing.T) {
	// Device rejects native and mono/16-bit, accepts the fixed-rate rung.
	accept := func(f capture.Format) bool {
		return f.SampleRate == capture.DefaultCancellerRate && f.Channels == 1 && f.Sample == capture.SampleInt16
	}
	c0 := rejectingClient(accept)
	c1 := rejectingClient(accept)
	c2 := rejectingClient(accept)
	ep := endpointWith(c0, c1, c2)

	got, format, err := Negotiate(ep, Options{EchoCancel: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != c2 {
		t.Error("expected the third activated client")
	}
	if format.SampleRate != capture.DefaultCancellerRate {
		t.Errorf("rate = %d, want %d", format.SampleRate, capture.DefaultCancellerRate)
	}
	if want := format.Channels * format.Sample.Bits() / 8; format.BlockAlign() != want {
		t.Errorf("block align = %d, want %d", format.BlockAlign(), want)
	}
	if format.BlockAlign() != 2 {
		t.Errorf("block align = %d, want 2 for mono 16-bit", format.BlockAlign())
	}
	// Each failed Initialize invalidates the client, forcing a re-activation.
	if ep.CallCountActivate != 3 {
		t.Errorf("activate count = %d, want 3", ep.CallCountActivate)
	}
	if c0.CallCountClose != 1 || c1.CallCountClose != 1 {
		t.Error("failed clients must be closed")
	}
}

func TestNegotiate_PlainFallbackRate(t *testing.T) {
	accept := func(f capture.Format) bool { return f.SampleRate == 44100 }
	ep := endpointWith(rejectingClient(accept), rejectingClient(accept), rejectingClient(accept))

	_, format, err := Negotiate(ep, Options{EchoCancel: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format.SampleRate != 44100 {
		t.Errorf("rate = %d, want 44100 without echo cancellation", format.SampleRate)
	}
}

func TestNegotiate_FallbackLevelSkipsRungs(t *testing.T) {
	accept := func(f capture.Format) bool { return f.Sample == capture.SampleInt16 }
	client := rejectingClient(accept)
	ep := endpointWith(client)

	_, format, err := Negotiate(ep, Options{FallbackLevel: RungMono16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format.SampleRate != nativeMix.SampleRate || format.Channels != 1 {
		t.Errorf("format = %+v, want mono at native rate", format)
	}
	if len(client.InitializeCalls) != 1 {
		t.Errorf("initialize calls = %d, want 1 (native rung skipped)", len(client.InitializeCalls))
	}
	if client.InitializeCalls[0].Flags&capture.FlagAutoConvert == 0 {
		t.Error("degraded rungs must request platform auto-conversion")
	}
}

func TestNegotiate_Exhausted(t *testing.T) {
	reject := func(capture.Format) bool { return false }
	ep := endpointWith(rejectingClient(reject), rejectingClient(reject), rejectingClient(reject))

	_, _, err := Negotiate(ep, Options{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
}

func TestNegotiate_LevelThreeFailsImmediately(t *testing.T) {
	ep := endpointWith(rejectingClient(func(capture.Format) bool { return true }))

	_, _, err := Negotiate(ep, Options{FallbackLevel: 3})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if ep.CallCountActivate != 0 {
		t.Errorf("activate count = %d, want 0", ep.CallCountActivate)
	}
}

func TestNegotiate_ClosestSubstitution(t *testing.T) {
	closest := capture.Format{SampleRate: 44100, Channels: 2, Sample: capture.SampleFloat32}

	c0 := &mock.Client{MixFormatResult: nativeMix}
	c0.InitializeFunc = func(f capture.Format, _ capture.InitFlags) error {
		return &capture.FormatError{Requested: f, Closest: &closest}
	}
	c1 := &mock.Client{MixFormatResult: nativeMix}
	ep := endpointWith(c0, c1)

	got, format, err := Negotiate(ep, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != c1 {
		t.Error("expected the re-activated client carrying the suggested format")
	}
	if format != closest {
		t.Errorf("format = %+v, want the device suggestion", format)
	}
}

func TestNegotiate_RecordsFallbackOnInjectedMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	accept := func(f capture.Format) bool { return f.Sample == capture.SampleInt16 }
	ep := endpointWith(rejectingClient(accept), rejectingClient(accept))

	if _, _, err := Negotiate(ep, Options{Metrics: metrics}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "echotap.negotiate.fallbacks" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("fallbacks data type = %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				found = true
				if dp.Value != 1 {
					t.Errorf("fallback count = %d, want 1", dp.Value)
				}
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "rung" && kv.Value.AsString() != "mono16" {
						t.Errorf("rung attribute = %q, want %q", kv.Value.AsString(), "mono16")
					}
				}
			}
		}
	}
	if !found {
		t.Error("fallback never recorded on the injected meter")
	}
}

func TestNegotiate_LoopbackFlag(t *testing.T) {
	client := rejectingClient(func(capture.Format) bool { return true })
	ep := endpointWith(client)

	if _, _, err := Negotiate(ep, Options{Loopback: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.InitializeCalls[0].Flags&capture.FlagLoopback == 0 {
		t.Error("loopback negotiation must pass the loopback flag")
	}
}
