// Package app wires the echotap subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects the
// platform, sink, capture source and HTTP surface, Run executes until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPlatform, WithCancellerFactory). When an option is not provided,
// New creates the real miniaudio platform.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/audiograph/echotap/internal/config"
	"github.com/audiograph/echotap/internal/health"
	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/internal/sink"
	"github.com/audiograph/echotap/internal/source"
	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/capture/miniaudio"
)

// App owns the daemon's subsystem lifetimes.
type App struct {
	cfgPath string
	log     *slog.Logger
	levels  *slog.LevelVar

	platform capture.Platform
	factory  capture.CancellerFactory
	metrics  *observe.Metrics
	out      *sink.Switchable
	source   *source.Source
	server   *http.Server

	mu  sync.Mutex
	cfg *config.Config

	watcher *config.Watcher

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform injects an audio platform instead of initializing miniaudio.
func WithPlatform(p capture.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithCancellerFactory supplies the per-session echo canceller constructor.
// Without one, input sources capture without echo cancellation.
func WithCancellerFactory(f capture.CancellerFactory) Option {
	return func(a *App) { a.factory = f }
}

// New builds the daemon from cfg. cfgPath is watched for live reloads;
// levels, when non-nil, receives log-level changes from those reloads.
func New(cfg *config.Config, cfgPath string, log *slog.Logger, levels *slog.LevelVar, opts ...Option) (*App, error) {
	a := &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     log,
		levels:  levels,
		metrics: observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.platform == nil {
		p, err := miniaudio.New(log)
		if err != nil {
			return nil, fmt.Errorf("app: init audio platform: %w", err)
		}
		a.platform = p
		a.closers = append(a.closers, p.Close)
	}

	out, err := buildSink(cfg.Output, log)
	if err != nil {
		return nil, err
	}
	a.out = sink.NewSwitchable(out)

	a.source = source.New(source.Options{
		Platform:         a.platform,
		CancellerFactory: a.factory,
		Sink:             a.out,
		Metrics:          a.metrics,
		Logger:           log,
	})

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		health.New(health.SessionActive(a.source.Active)).Register(mux)
		mux.Handle("/metrics", promhttp.Handler())
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Source exposes the capture source, mainly for tests.
func (a *App) Source() *source.Source {
	return a.source
}

// Run starts capturing and serves until ctx is cancelled. The config file
// watcher runs for the whole lifetime of Run.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if err := a.source.Start(cfg.Source); err != nil {
		return fmt.Errorf("app: start capture source: %w", err)
	}

	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.applyReload)
		if err != nil {
			a.log.Warn("config watcher unavailable, live reload disabled", "err", err)
		} else {
			a.watcher = w
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http listener started", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

// Shutdown stops the watcher, the capture source, and the sink, then runs
// the remaining closers. Safe to call more than once.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.source.Stop()

		if old := a.out.Swap(sink.Discard{}); old != nil {
			if c, ok := old.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}

		for _, closer := range a.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// applyReload reacts to a config file change on the watcher goroutine.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Compare(old, new)

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.OutputChanged {
		out, err := buildSink(new.Output, a.log)
		if err != nil {
			a.log.Error("output sink rebuild failed, keeping previous sink", "err", err)
		} else {
			if prev := a.out.Swap(out); prev != nil {
				if c, ok := prev.(io.Closer); ok {
					if err := c.Close(); err != nil {
						a.log.Warn("closing previous sink", "err", err)
					}
				}
			}
			a.log.Info("output sink replaced", "path", new.Output.Path)
		}
	}

	if d.RestartRequired || d.TimingChanged {
		if err := a.source.Update(new.Source); err != nil {
			a.log.Error("applying source config change", "err", err)
		}
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// buildSink constructs the configured output sink: a WAV file when a path
// is set, otherwise a discarding counter-only sink.
func buildSink(out config.OutputConfig, log *slog.Logger) (capture.Sink, error) {
	if out.Path == "" {
		return sink.Discard{}, nil
	}
	w, err := sink.NewWAVFile(out.Path, out.SampleRate, out.Channels)
	if err != nil {
		return nil, fmt.Errorf("app: open output file: %w", err)
	}
	log.Info("writing captured audio", "path", out.Path, "rate", out.SampleRate, "channels", out.Channels)
	return w, nil
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
