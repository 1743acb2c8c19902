package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/pkg/capture"
)

// reconnectInterval is the fixed delay between session reopen attempts.
// Input sessions also use it as the capture-loop wait timeout so a stopped
// loop is noticed within one interval.
const reconnectInterval = 3 * time.Second

// supervisor retries full session establishment on a fixed interval until
// a session opens or stop closes. While retrying it disables audio
// monitoring on the owning source so repeated failed opens stay inaudible,
// and restores the prior setting when the loop exits.
type supervisor struct {
	interval time.Duration
	monitor  capture.Monitor
	metrics  *observe.Metrics
	log      *slog.Logger

	// open attempts one full session open.
	open func() (*session, error)

	// onOpen receives the established session; the supervisor exits right
	// after calling it.
	onOpen func(*session)

	// previouslyFailed suppresses duplicate warnings: after the first
	// failed attempt is logged, later consecutive failures stay silent
	// until a session succeeds again. Seeded true when the caller already
	// logged the failure that started the retry cycle.
	previouslyFailed bool
}

// run drives the retry loop until success or stop. It blocks; callers
// spawn it on the supervisor goroutine.
func (sv *supervisor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	if sv.monitor != nil {
		prior := sv.monitor.Monitoring()
		sv.monitor.SetMonitoring(false)
		defer sv.monitor.SetMonitoring(prior)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		sess, err := sv.open()
		if err != nil {
			sv.metrics.RecordReconnectAttempt(context.Background(), false)
			if !sv.previouslyFailed {
				sv.log.Warn("session reopen failed, retrying", "error", err, "interval", sv.interval)
			}
			sv.previouslyFailed = true
			continue
		}

		sv.metrics.RecordReconnectAttempt(context.Background(), true)
		sv.previouslyFailed = false
		sv.log.Info("session reestablished")
		sv.onOpen(sess)
		return
	}
}
