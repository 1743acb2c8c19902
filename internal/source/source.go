// Package source implements the capture source: one device session at a
// time, pumped by a capture loop and rebuilt by a reconnect supervisor
// whenever the device disappears.
//
// Exactly two worker goroutines exist per source, never simultaneously
// driving the device: the capture loop while a session is live, the
// supervisor while one is not. Each hands off to the other through a full
// teardown, so session state needs no locking. The control side (Start,
// Stop, Update) synchronizes by closing a shared stop channel and joining
// both workers.
package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiograph/echotap/internal/config"
	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/pkg/capture"
)

// Options configures a [Source].
type Options struct {
	// Platform is the audio platform capability. Required.
	Platform capture.Platform

	// CancellerFactory constructs the per-session echo canceller. Nil
	// disables echo cancellation regardless of configuration.
	CancellerFactory capture.CancellerFactory

	// Sink receives emitted frames. Required.
	Sink capture.Sink

	// Monitor is the source's audio-monitoring toggle, disabled while the
	// supervisor retries. May be nil.
	Monitor capture.Monitor

	// Metrics receives instrumentation. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Nil selects slog.Default.
	Logger *slog.Logger
}

// Source is a capture source instance. All exported methods are safe for
// concurrent use from the control side.
type Source struct {
	platform capture.Platform
	factory  capture.CancellerFactory
	sink     capture.Sink
	monitor  capture.Monitor
	metrics  *observe.Metrics
	log      *slog.Logger

	// retryInterval is the supervisor's reopen interval. Tests shorten it.
	retryInterval time.Duration

	mu   sync.Mutex
	cfg  config.SourceConfig
	stop chan struct{}
	wg   sync.WaitGroup

	// deviceTiming is read by the capture loop on every batch, so Update
	// can flip it without a session restart.
	deviceTiming atomic.Bool

	active atomic.Bool
}

// New creates a Source. Call [Source.Start] to begin capturing.
func New(opts Options) *Source {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	factory := opts.CancellerFactory
	if factory == nil {
		factory = func(capture.CancellerConfig) (capture.Canceller, error) {
			return nil, errors.New("no echo canceller available")
		}
	}
	return &Source{
		platform:      opts.Platform,
		factory:       factory,
		sink:          opts.Sink,
		monitor:       opts.Monitor,
		metrics:       metrics,
		log:           log,
		retryInterval: reconnectInterval,
	}
}

// Start opens a session for cfg and begins capturing. An open failure is
// not fatal: the reconnect supervisor keeps retrying until the device
// appears or [Source.Stop] is called. Start fails only when the source is
// already running.
func (s *Source) Start(cfg config.SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("source: already started")
	}

	s.cfg = cfg
	s.deviceTiming.Store(cfg.DeviceTiming())
	s.stop = make(chan struct{})
	stop := s.stop

	sess, err := s.open(cfg)
	if err != nil {
		s.log.Warn("initial session open failed, supervisor will retry",
			"error", err, "interval", s.retryInterval)
		s.startSupervisor(stop, true)
		return nil
	}
	s.startLoop(stop, sess)
	return nil
}

// Stop tears the source down. It returns only after both workers have
// exited, so no goroutine touches device handles afterwards. Safe to call
// when not running.
func (s *Source) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

// Update applies a configuration change. A change confined to
// use_device_timing is applied in place with no gap in emitted frames;
// any other source-field change tears the session down and reopens it
// with the new configuration.
func (s *Source) Update(cfg config.SourceConfig) error {
	s.mu.Lock()
	old := s.cfg
	running := s.stop != nil
	s.mu.Unlock()

	diff := config.Compare(&config.Config{Source: old}, &config.Config{Source: cfg})
	if !diff.RestartRequired {
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		if diff.TimingChanged {
			s.deviceTiming.Store(cfg.DeviceTiming())
			s.log.Info("device timing updated in place", "use_device_timing", cfg.DeviceTiming())
		}
		return nil
	}

	if running {
		s.Stop()
	}
	return s.Start(cfg)
}

// Active reports whether a capture session is currently live. It is false
// while the supervisor is retrying.
func (s *Source) Active() bool {
	return s.active.Load()
}

// open performs one session-open attempt with a fresh session id.
func (s *Source) open(cfg config.SourceConfig) (*session, error) {
	log := s.log.With("session_id", uuid.NewString())
	return openSession(context.Background(), deps{
		platform: s.platform,
		factory:  s.factory,
		sink:     s.sink,
		metrics:  s.metrics,
		log:      log,
	}, cfg)
}

// startLoop spawns the capture-loop worker for sess. On device failure the
// loop hands off to the supervisor; on stop it just tears down.
func (s *Source) startLoop(stop chan struct{}, sess *session) {
	s.active.Store(true)
	s.metrics.ActiveSessions.Add(context.Background(), 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		reconnect := sess.run(stop, &s.deviceTiming)
		sess.close()
		s.active.Store(false)
		s.metrics.ActiveSessions.Add(context.Background(), -1)

		if !reconnect {
			return
		}
		select {
		case <-stop:
		default:
			s.startSupervisor(stop, false)
		}
	}()
}

// startSupervisor spawns the reconnect worker. alreadyLogged seeds the
// duplicate-failure suppression when the caller has logged the triggering
// failure itself.
func (s *Source) startSupervisor(stop chan struct{}, alreadyLogged bool) {
	sv := &supervisor{
		interval: s.retryInterval,
		monitor:  s.monitor,
		metrics:  s.metrics,
		log:      s.log,
		open: func() (*session, error) {
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()
			return s.open(cfg)
		},
		onOpen:           func(sess *session) { s.startLoop(stop, sess) },
		previouslyFailed: alreadyLogged,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sv.run(stop)
	}()
}
