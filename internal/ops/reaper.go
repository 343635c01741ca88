// Package ops houses operational services: the idle reaper and the
// shutdown orchestrator.
package ops

import (
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/session"
)

// Closer schedules a delayed close so a final message is deliverable.
type Closer interface {
	DisconnectLater(s *session.Session, message string)
}

// Reaper periodically disconnects authenticated sessions that have been
// idle past the configured timeout. Unauthenticated and currently-monitored
// sessions are never reaped. It implements the server.Service interface.
type Reaper struct {
	registry *session.Registry
	cfg      config.IdleConfig
	closer   Closer
	logger   *zap.Logger

	quit chan struct{}
	done chan struct{}
}

// NewReaper creates an idle reaper.
//
// Precondition: registry, closer, and logger must be non-nil.
func NewReaper(registry *session.Registry, cfg config.IdleConfig, closer Closer, logger *zap.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		cfg:      cfg,
		closer:   closer,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the reaper loop until Stop is called. A non-positive timeout
// disables reaping entirely; the loop still runs so Stop behaves uniformly.
func (r *Reaper) Start() error {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.logger.Info("idle reaper started",
		zap.Duration("check_interval", r.cfg.CheckInterval),
		zap.Duration("timeout", r.cfg.Timeout),
	)

	for {
		select {
		case <-ticker.C:
			r.Sweep(r.cfg.Timeout)
		case <-r.quit:
			return nil
		}
	}
}

// Stop terminates the reaper loop.
func (r *Reaper) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.done
}

// Sweep performs one idle scan, disconnecting sessions idle longer than
// timeout. It returns the number of sessions disconnected.
//
// Postcondition: Unauthenticated and monitored sessions are untouched
// regardless of elapsed idle time.
func (r *Reaper) Sweep(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	now := time.Now()
	reaped := 0
	for _, s := range r.registry.All() {
		s.Lock()
		skip := !s.Authenticated || s.IsBeingMonitored() || s.DisconnectPending
		idle := s.IdleFor(now)
		if !skip && idle > timeout {
			s.DisconnectPending = true
		}
		shouldReap := !skip && idle > timeout
		username := s.Username()
		s.Unlock()

		if !shouldReap {
			continue
		}

		r.logger.Info("disconnecting idle session",
			zap.String("session_id", s.ID),
			zap.String("username", username),
			zap.Duration("idle", idle),
		)
		r.closer.DisconnectLater(s, ansi.Colorf(ansi.Yellow,
			"You have been idle for %s and are being disconnected.", idle.Round(time.Minute)))
		reaped++
	}
	return reaped
}
