package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiograph/echotap/internal/aec"
	"github.com/audiograph/echotap/internal/config"
	"github.com/audiograph/echotap/internal/negotiate"
	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/pkg/capture"
)

// deps are the collaborators a session needs beyond its configuration.
type deps struct {
	platform capture.Platform
	factory  capture.CancellerFactory
	sink     capture.Sink
	metrics  *observe.Metrics
	log      *slog.Logger
}

// session owns one live capture endpoint from activation through teardown.
// Its fields are touched only by the goroutine running the capture loop;
// the control side interacts with it solely through the stop channel.
type session struct {
	log     *slog.Logger
	sink    capture.Sink
	metrics *observe.Metrics

	client capture.Client
	frames capture.FrameService

	refClient capture.Client
	refFrames capture.FrameService

	keepalive capture.Client

	pipeline *aec.Pipeline
	dump     *aec.Dump

	format      capture.Format
	waitTimeout time.Duration
}

// openSession establishes a capture session per cfg: endpoint resolution,
// format negotiation for the primary and (for echo cancellation) reference
// streams, service acquisition, pipeline construction, and stream start.
// The capture loop is not spawned here.
//
// Loopback-reference resolution and canceller construction fail soft: the
// session proceeds without echo cancellation. Everything else is fatal and
// returns a [SessionError].
func openSession(ctx context.Context, d deps, cfg config.SourceConfig) (s *session, err error) {
	ctx, span := observe.StartSpan(ctx, "session.open")
	defer span.End()

	start := time.Now()
	defer func() {
		if err == nil {
			d.metrics.SessionOpenDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	s = &session{
		log:         d.log,
		sink:        d.sink,
		metrics:     d.metrics,
		waitTimeout: reconnectInterval,
	}
	defer func() {
		if err != nil {
			s.close()
			s = nil
		}
	}()

	// Resolve the primary endpoint. The "default" sentinel maps to the
	// communications endpoint for capture and the console endpoint for
	// render; resolution is repeated on every reconnect, never cached.
	direction := capture.DirectionCapture
	role := capture.RoleCommunications
	if cfg.Type == config.SourceOutput {
		direction = capture.DirectionRender
		role = capture.RoleConsole
		s.waitTimeout = outputPollInterval
	}
	ep, err := resolveEndpoint(d.platform, cfg, direction, role)
	if err != nil {
		return nil, err
	}
	s.log = s.log.With("device", ep.Name())

	// Input sources with echo cancellation also need the default render
	// endpoint as the far-end reference. Missing one just disables
	// cancellation for this session.
	echoCancel := cfg.Type == config.SourceInput && !cfg.DisableEchoCancellation
	var refEp capture.Endpoint
	if echoCancel {
		refEp, err = d.platform.DefaultEndpoint(capture.DirectionRender, capture.RoleConsole)
		if err != nil {
			s.log.Warn("no render endpoint for echo reference, cancellation disabled", "error", err)
			echoCancel = false
			err = nil
		}
	}

	s.client, s.format, err = negotiateClient(ep, negotiate.Options{
		Loopback:      cfg.Type == config.SourceOutput,
		EchoCancel:    echoCancel,
		FallbackLevel: cfg.InputFormatMode,
		Metrics:       d.metrics,
	})
	if err != nil {
		return nil, err
	}

	var refFormat capture.Format
	if echoCancel {
		s.refClient, refFormat, err = negotiateClient(refEp, negotiate.Options{
			Loopback:   true,
			EchoCancel: true,
			Metrics:    d.metrics,
		})
		if err != nil {
			s.log.Warn("reference stream negotiation failed, cancellation disabled", "error", err)
			s.refClient = nil
			echoCancel = false
			err = nil
		}
	}

	// Output sources keep a silent render stream running on the same
	// endpoint. Without it the platform suspends the stream clock during
	// silence and the loopback timestamps drift.
	if cfg.Type == config.SourceOutput {
		if err = s.startKeepalive(ep); err != nil {
			return nil, err
		}
	}

	s.frames, err = s.client.CaptureService()
	if err != nil {
		return nil, sessionErr(KindServiceAcquisitionFailed, "capture service", err)
	}

	if echoCancel {
		s.buildPipeline(d, cfg, refFormat)
	}

	if err = s.client.Start(); err != nil {
		return nil, sessionErr(KindActivationFailed, "start capture stream", err)
	}
	if s.pipeline != nil {
		if err = s.refClient.Start(); err != nil {
			return nil, sessionErr(KindActivationFailed, "start reference stream", err)
		}
	}

	s.log.Info("capture session established",
		"rate", s.format.SampleRate,
		"channels", s.format.Channels,
		"sample", s.format.Sample.String(),
		"echo_cancellation", s.pipeline != nil,
	)
	return s, nil
}

// resolveEndpoint maps the configured device id to an endpoint.
func resolveEndpoint(p capture.Platform, cfg config.SourceConfig, direction capture.Direction, role capture.Role) (capture.Endpoint, error) {
	if cfg.IsDefaultDevice() {
		ep, err := p.DefaultEndpoint(direction, role)
		if err != nil {
			return nil, sessionErr(KindEndpointNotFound, "resolve default endpoint", err)
		}
		return ep, nil
	}
	ep, err := p.Endpoint(cfg.DeviceID)
	if err != nil {
		return nil, sessionErr(KindEndpointNotFound, "resolve endpoint", fmt.Errorf("device %q: %w", cfg.DeviceID, err))
	}
	return ep, nil
}

// negotiateClient runs format negotiation and folds its failures into the
// session error taxonomy.
func negotiateClient(ep capture.Endpoint, opts negotiate.Options) (capture.Client, capture.Format, error) {
	client, format, err := negotiate.Negotiate(ep, opts)
	if err != nil {
		kind := KindActivationFailed
		if errors.Is(err, negotiate.ErrExhausted) {
			kind = KindNegotiationExhausted
		}
		return nil, capture.Format{}, sessionErr(kind, "negotiate format", err)
	}
	return client, format, nil
}

// startKeepalive activates a native-format render client on ep, primes it
// with one buffer of silence, and starts it.
func (s *session) startKeepalive(ep capture.Endpoint) error {
	client, err := ep.Activate()
	if err != nil {
		return sessionErr(KindActivationFailed, "activate keepalive client", err)
	}
	s.keepalive = client

	mix, err := client.MixFormat()
	if err != nil {
		return sessionErr(KindActivationFailed, "keepalive mix format", err)
	}
	if err := client.Initialize(mix, 0, negotiate.DefaultBufferDuration); err != nil {
		return sessionErr(KindActivationFailed, "initialize keepalive stream", err)
	}

	render, err := client.RenderService()
	if err != nil {
		return sessionErr(KindServiceAcquisitionFailed, "render service", err)
	}
	frames, err := render.BufferFrames()
	if err != nil {
		return sessionErr(KindServiceAcquisitionFailed, "render buffer size", err)
	}
	if err := render.WriteSilence(frames); err != nil {
		return sessionErr(KindServiceAcquisitionFailed, "prime silent buffer", err)
	}
	if err := client.Start(); err != nil {
		return sessionErr(KindActivationFailed, "start keepalive stream", err)
	}
	return nil
}

// buildPipeline constructs the echo-cancellation pipeline. Any failure is
// absorbed: the session continues with raw emission.
func (s *session) buildPipeline(d deps, cfg config.SourceConfig, refFormat capture.Format) {
	refFrames, err := s.refClient.CaptureService()
	if err != nil {
		s.log.Warn("reference capture service unavailable, cancellation disabled", "error", err)
		s.dropReference()
		return
	}

	canceller, err := d.factory(capture.CancellerConfig{
		NearRate:   s.format.SampleRate,
		FarRate:    refFormat.SampleRate,
		OutputRate: capture.DefaultCancellerRate,
	})
	if err != nil {
		s.log.Warn("echo canceller construction failed, cancellation disabled", "error", err)
		s.dropReference()
		return
	}

	if cfg.AECDumpFileDir != "" {
		s.dump = aec.OpenDump(cfg.AECDumpFileDir, time.Now())
	}

	s.refFrames = refFrames
	s.pipeline = aec.New(aec.Config{
		Canceller:  canceller,
		InputDelay: cfg.AECInputDelay,
		NearFormat: s.format,
		FarFormat:  refFormat,
		OutputRate: capture.DefaultCancellerRate,
		Dump:       s.dump,
	})
}

// dropReference releases the reference client after a pipeline
// construction failure.
func (s *session) dropReference() {
	if s.refClient != nil {
		s.refClient.Close()
		s.refClient = nil
	}
	s.refFrames = nil
}

// close releases every resource the session holds. Safe on partially
// opened sessions; every exit path of open and the capture loop funnels
// through here.
func (s *session) close() {
	if s.client != nil {
		_ = s.client.Stop()
		_ = s.client.Close()
		s.client = nil
	}
	if s.refClient != nil {
		_ = s.refClient.Stop()
		_ = s.refClient.Close()
		s.refClient = nil
	}
	if s.keepalive != nil {
		_ = s.keepalive.Stop()
		_ = s.keepalive.Close()
		s.keepalive = nil
	}
	if s.dump != nil {
		s.dump.Close()
		s.dump = nil
	}
}
