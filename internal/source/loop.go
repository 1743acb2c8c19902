package source

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/pcm"
)

// outputPollInterval is the wait timeout for output sessions. Render
// endpoints never raise the data-ready signal for a loopback stream, so
// the loop polls instead.
const outputPollInterval = 10 * time.Millisecond

// run pumps the session until stop closes or the device fails. The return
// value is true when the loop wants the supervisor to rebuild the session
// (device invalidated or any other drain failure) and false on a clean
// stop.
func (s *session) run(stop <-chan struct{}, deviceTiming *atomic.Bool) bool {
	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return false
		case <-s.client.DataReady():
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}

		if err := s.drain(deviceTiming); err != nil {
			if errors.Is(err, capture.ErrDeviceInvalidated) {
				s.log.Info("capture device invalidated, reconnecting")
			} else {
				s.log.Error("capture drain failed", "error", err)
			}
			return true
		}

		timer.Reset(s.waitTimeout)
	}
}

// drain consumes every batch the capture service currently holds.
func (s *session) drain(deviceTiming *atomic.Bool) error {
	for {
		n, err := s.frames.NextBatchSize()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		batch, err := s.frames.Batch()
		if err != nil {
			return err
		}

		if s.pipeline != nil {
			s.processCancelled(batch)
		} else {
			s.emitRaw(batch, deviceTiming.Load())
		}

		if err := s.frames.Release(batch.Frames); err != nil {
			return err
		}
	}
}

// processCancelled routes one near-end batch through the echo-cancellation
// pipeline together with the freshest far-end batch, if any.
func (s *session) processCancelled(batch capture.Batch) {
	frame, ok := s.pipeline.Process(batch, s.nextReference())
	if !ok {
		return
	}
	s.sink.Emit(frame)

	path := "cancelled"
	if !s.pipeline.Active() {
		path = "bypass"
		s.metrics.RecordCancellerBypass(context.Background())
	}
	s.metrics.RecordFrame(context.Background(), path, len(frame.Data))
}

// nextReference pops one far-end batch from the loopback stream when one
// is pending. Reference delivery is best-effort: errors and empty reads
// just mean no reference this iteration. The batch buffer is only valid
// until Release, so the data is copied out before the buffer goes back to
// the device.
func (s *session) nextReference() *capture.Batch {
	if s.refFrames == nil {
		return nil
	}
	n, err := s.refFrames.NextBatchSize()
	if err != nil || n == 0 {
		return nil
	}
	batch, err := s.refFrames.Batch()
	if err != nil {
		return nil
	}
	data := make([]byte, len(batch.Data))
	copy(data, batch.Data)
	batch.Data = data
	_ = s.refFrames.Release(batch.Frames)
	return &batch
}

// emitRaw hands one batch downstream untouched. With device timing the
// frame carries the device-reported capture time; otherwise wall clock
// minus the batch's playback duration, which stays causally ordered under
// device-clock jitter.
func (s *session) emitRaw(batch capture.Batch, deviceTiming bool) {
	if batch.Frames == 0 {
		return
	}

	ts := batch.DeviceTimestamp
	if !deviceTiming || ts.IsZero() {
		ts = time.Now().Add(-pcm.Duration(batch.Frames, s.format.SampleRate))
	}

	data := make([]byte, len(batch.Data))
	copy(data, batch.Data)

	s.sink.Emit(capture.Frame{
		Data:       data,
		Frames:     batch.Frames,
		Layout:     s.format.Layout(),
		SampleRate: s.format.SampleRate,
		Sample:     s.format.Sample,
		Timestamp:  ts,
	})
	s.metrics.RecordFrame(context.Background(), "raw", len(batch.Data))
}
