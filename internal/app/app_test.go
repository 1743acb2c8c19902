package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiograph/echotap/internal/config"
	"github.com/audiograph/echotap/internal/sink"
	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/capture/mock"
)

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

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Source.DisableEchoCancellation = true
	return cfg
}

func testPlatform(client *mock.Client) *mock.Platform {
	return &mock.Platform{
		DefaultCapture: &mock.Endpoint{
			IDValue:         "mic",
			NameValue:       "Mic",
			ActivateResults: []capture.Client{client},
		},
	}
}

func newTestApp(t *testing.T, platform capture.Platform) *App {
	t.Helper()
	a, err := New(testConfig(), "", slog.Default(), new(slog.LevelVar), WithPlatform(platform))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &mock.Client{
		MixFormatResult:      capture.Format{SampleRate: 48000, Channels: 2, Sample: capture.SampleFloat32},
		CaptureServiceResult: &mock.FrameService{},
	}
	a := newTestApp(t, testPlatform(client))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitUntil(t, "capture session", a.Source().Active)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if client.CallCountClose == 0 {
		t.Error("capture client not closed on shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, &mock.Platform{})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApplyReloadSwapsOutputSink(t *testing.T) {
	a := newTestApp(t, &mock.Platform{})

	old := testConfig()
	updated := testConfig()
	updated.Output.Path = filepath.Join(t.TempDir(), "capture.wav")

	a.applyReload(old, updated)

	if _, err := os.Stat(updated.Output.Path); err != nil {
		t.Errorf("output file not created: %v", err)
	}

	// Reverting to no path swaps back to the discard sink and closes the file.
	a.applyReload(updated, testConfig())
	if _, ok := a.out.Swap(sink.Discard{}).(sink.Discard); !ok {
		t.Error("sink not reverted to discard")
	}
}

func TestApplyReloadChangesLogLevel(t *testing.T) {
	levels := new(slog.LevelVar)
	a, err := New(testConfig(), "", slog.Default(), levels, WithPlatform(&mock.Platform{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	a.applyReload(testConfig(), updated)

	if levels.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", levels.Level())
	}
}

func TestBuildSink(t *testing.T) {
	t.Run("no path discards", func(t *testing.T) {
		s, err := buildSink(config.OutputConfig{}, slog.Default())
		if err != nil {
			t.Fatalf("buildSink: %v", err)
		}
		if _, ok := s.(sink.Discard); !ok {
			t.Errorf("sink = %T, want Discard", s)
		}
	})

	t.Run("bad channel count", func(t *testing.T) {
		out := config.OutputConfig{
			Path:       filepath.Join(t.TempDir(), "x.wav"),
			SampleRate: 48000,
			Channels:   4,
		}
		if _, err := buildSink(out, slog.Default()); err == nil {
			t.Error("expected error for 4-channel output")
		}
	})
}
