// Package miniaudio implements the capture interfaces on top of the
// miniaudio library via malgo. It is the production platform adapter:
// WASAPI on Windows, ALSA on Linux, CoreAudio on macOS.
//
// miniaudio differs from the shared-mode APIs the capture interfaces were
// modelled on in two ways that matter here. It converts sample formats and
// rates internally, so Initialize never rejects a format and the
// auto-convert flag is always in effect. And it knows a single default
// device per direction, so the role argument to DefaultEndpoint is
// accepted but not consulted.
package miniaudio

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tphakala/malgo"

	"github.com/audiograph/echotap/pkg/capture"
)

// Platform enumerates devices through one shared malgo context.
type Platform struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger

	mu sync.Mutex
}

// New initializes a malgo context for the platform's native backend and
// returns a Platform backed by it. Callers own the context and must Close
// the Platform when done.
func New(log *slog.Logger) (*Platform, error) {
	if log == nil {
		log = slog.Default()
	}

	var backends []malgo.Backend
	if b := defaultBackend(); b != malgo.BackendNull {
		backends = []malgo.Backend{b}
	}

	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}

	return &Platform{ctx: ctx, log: log}, nil
}

// defaultBackend picks the native backend for the current OS.
func defaultBackend() malgo.Backend {
	switch runtime.GOOS {
	case "windows":
		return malgo.BackendWasapi
	case "linux":
		return malgo.BackendAlsa
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// Close releases the malgo context. Clients activated through this Platform
// must be closed first.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return nil
	}
	err := p.ctx.Uninit()
	p.ctx.Free()
	p.ctx = nil
	return err
}

func deviceType(d capture.Direction) malgo.DeviceType {
	if d == capture.DirectionRender {
		return malgo.Playback
	}
	return malgo.Capture
}

// Endpoints lists the present devices with the given direction.
func (p *Platform) Endpoints(d capture.Direction) ([]capture.EndpointInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, err := p.ctx.Devices(deviceType(d))
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", d, err)
	}

	infos := make([]capture.EndpointInfo, 0, len(devices))
	for i := range devices {
		infos = append(infos, capture.EndpointInfo{
			ID:   devices[i].ID.String(),
			Name: devices[i].Name(),
		})
	}
	return infos, nil
}

// DefaultEndpoint resolves the backend's default device for the direction.
// miniaudio exposes one default per direction, so the role is ignored.
func (p *Platform) DefaultEndpoint(d capture.Direction, _ capture.Role) (capture.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dt := deviceType(d)
	devices, err := p.ctx.Devices(dt)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", d, err)
	}
	if len(devices) == 0 {
		return nil, capture.ErrEndpointNotFound
	}

	pick := devices[0]
	for i := range devices {
		full, err := p.ctx.DeviceInfo(dt, devices[i].ID, malgo.Shared)
		if err != nil {
			continue
		}
		if full.IsDefault == 1 {
			pick = devices[i]
			break
		}
	}

	return &endpoint{p: p, dir: d, deviceID: pick.ID, name: pick.Name()}, nil
}

// Endpoint resolves a device by the stable identifier reported by Endpoints.
func (p *Platform) Endpoint(id string) (capture.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range []capture.Direction{capture.DirectionCapture, capture.DirectionRender} {
		devices, err := p.ctx.Devices(deviceType(d))
		if err != nil {
			return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", d, err)
		}
		for i := range devices {
			if devices[i].ID.String() == id {
				return &endpoint{p: p, dir: d, deviceID: devices[i].ID, name: devices[i].Name()}, nil
			}
		}
	}
	return nil, capture.ErrEndpointNotFound
}

type endpoint struct {
	p        *Platform
	dir      capture.Direction
	deviceID malgo.DeviceID
	name     string
}

func (e *endpoint) ID() string   { return e.deviceID.String() }
func (e *endpoint) Name() string { return e.name }

// Activate creates a fresh client on the endpoint. The device itself is not
// opened until Initialize.
func (e *endpoint) Activate() (capture.Client, error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()

	if e.p.ctx == nil {
		return nil, fmt.Errorf("miniaudio: platform closed")
	}
	return newClient(e), nil
}
