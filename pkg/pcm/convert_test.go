package pcm

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func f32le(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func s16le(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func readS16(t *testing.T, data []byte, i int) int16 {
	t.Helper()
	return int16(binary.LittleEndian.Uint16(data[i*2:]))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name   string
		frames int
		rate   int
		want   time.Duration
	}{
		{"one second at 48k", 48000, 48000, time.Second},
		{"10ms at 22050", 220, 22050, 220 * time.Second / 22050},
		{"zero rate", 480, 0, 0},
		{"zero frames", 0, 48000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(tt.frames, tt.rate); got != tt.want {
				t.Errorf("Duration(%d, %d) = %v, want %v", tt.frames, tt.rate, got, tt.want)
			}
		})
	}
}

func TestFloat32ToInt16(t *testing.T) {
	got := Float32ToInt16(f32le(0, 0.5, 1.0, -1.0, 1.5, -2.0))

	want := []int16{0, 16383, 32767, -32767, 32767, -32767}
	if len(got) != len(want)*2 {
		t.Fatalf("got %d bytes, want %d", len(got), len(want)*2)
	}
	for i, w := range want {
		if s := readS16(t, got, i); s != w {
			t.Errorf("sample %d = %d, want %d", i, s, w)
		}
	}
}

func TestFirstChannelFloat32ToInt16(t *testing.T) {
	// Two stereo frames: keep L, drop R.
	in := f32le(0.5, -0.5, -1.0, 1.0)

	got := FirstChannelFloat32ToInt16(in, 2)
	if len(got) != 4 {
		t.Fatalf("got %d bytes, want 4", len(got))
	}
	if s := readS16(t, got, 0); s != 16383 {
		t.Errorf("frame 0 = %d, want 16383", s)
	}
	if s := readS16(t, got, 1); s != -32767 {
		t.Errorf("frame 1 = %d, want -32767", s)
	}
}

func TestFirstChannelInt16(t *testing.T) {
	t.Run("mono is copied", func(t *testing.T) {
		in := s16le(100, -200)
		got := FirstChannelInt16(in, 1)
		if &got[0] == &in[0] {
			t.Error("expected a fresh copy, got aliased buffer")
		}
		if readS16(t, got, 0) != 100 || readS16(t, got, 1) != -200 {
			t.Errorf("copy mismatch: %v", got)
		}
	})

	t.Run("stereo keeps left channel", func(t *testing.T) {
		in := s16le(10, 20, 30, 40)
		got := FirstChannelInt16(in, 2)
		if len(got) != 4 {
			t.Fatalf("got %d bytes, want 4", len(got))
		}
		if readS16(t, got, 0) != 10 || readS16(t, got, 1) != 30 {
			t.Errorf("expected [10 30], got [%d %d]", readS16(t, got, 0), readS16(t, got, 1))
		}
	})
}

func TestMonoToStereo16(t *testing.T) {
	got := MonoToStereo16(s16le(7, -7))
	want := []int16{7, 7, -7, -7}
	for i, w := range want {
		if s := readS16(t, got, i); s != w {
			t.Errorf("sample %d = %d, want %d", i, s, w)
		}
	}
}

func TestStereoToMono16(t *testing.T) {
	got := StereoToMono16(s16le(100, 200, -32768, -32768))
	if s := readS16(t, got, 0); s != 150 {
		t.Errorf("frame 0 = %d, want 150", s)
	}
	if s := readS16(t, got, 1); s != -32768 {
		t.Errorf("frame 1 = %d, want -32768", s)
	}
}
