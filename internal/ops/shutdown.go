package ops

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/output"
)

// ErrShutdownScheduled is returned when a countdown is already running.
var ErrShutdownScheduled = errors.New("shutdown already scheduled")

// ErrNoShutdownScheduled is returned when there is no countdown to cancel.
var ErrNoShutdownScheduled = errors.New("no shutdown scheduled")

// reminderCheckpoints are the minutes-remaining marks at which a countdown
// broadcasts a reminder.
var reminderCheckpoints = map[int]bool{
	1: true, 2: true, 5: true, 10: true, 15: true, 30: true,
}

// Broadcaster delivers a message to every connected session.
type Broadcaster interface {
	Broadcast(msg string, class output.Class)
}

// Orchestrator sequences server shutdown: immediate, immediate with a
// broadcast, or a minute-granularity countdown with reminder broadcasts.
// A countdown is cancellable at any point; cancellation reverts all timers
// and notifies connected sessions.
type Orchestrator struct {
	broadcaster Broadcaster
	terminate   func()
	logger      *zap.Logger

	// tick is one countdown minute; tests shorten it.
	tick time.Duration

	mu        sync.Mutex
	active    bool
	remaining int
	cancelCh  chan struct{}
	doneCh    chan struct{}
}

// NewOrchestrator creates a shutdown orchestrator. terminate is invoked
// exactly once when a shutdown actually proceeds.
//
// Precondition: broadcaster, terminate, and logger must be non-nil.
func NewOrchestrator(broadcaster Broadcaster, terminate func(), logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		broadcaster: broadcaster,
		terminate:   terminate,
		logger:      logger,
		tick:        time.Minute,
	}
}

// ScheduleShutdown begins a shutdown. minutes <= 0 shuts down immediately
// after broadcasting; otherwise a countdown starts with exactly one
// "scheduled" broadcast now and reminders at the fixed checkpoints.
//
// Postcondition: Returns ErrShutdownScheduled if a countdown is already
// active.
func (o *Orchestrator) ScheduleShutdown(minutes int, reason string) error {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return ErrShutdownScheduled
	}

	if minutes <= 0 {
		o.active = true
		o.mu.Unlock()
		o.logger.Warn("immediate shutdown requested", zap.String("reason", reason))
		o.broadcaster.Broadcast(shutdownNowMessage(reason), output.ClassTransient)
		o.terminate()
		return nil
	}

	o.active = true
	o.remaining = minutes
	o.cancelCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	cancelCh, doneCh := o.cancelCh, o.doneCh
	o.mu.Unlock()

	o.logger.Warn("shutdown scheduled",
		zap.Int("minutes", minutes),
		zap.String("reason", reason),
	)
	o.broadcaster.Broadcast(scheduledMessage(minutes, reason), output.ClassTransient)

	go o.countdown(reason, cancelCh, doneCh)
	return nil
}

// countdown ticks once per minute, broadcasting checkpoint reminders and
// finally the shutdown itself.
func (o *Orchestrator) countdown(reason string, cancelCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-cancelCh:
			return
		case <-ticker.C:
			// A cancellation may have landed in the same select window as
			// the final tick; it wins.
			select {
			case <-cancelCh:
				return
			default:
			}

			o.mu.Lock()
			o.remaining--
			remaining := o.remaining
			o.mu.Unlock()

			if remaining <= 0 {
				o.broadcaster.Broadcast(shutdownNowMessage(reason), output.ClassTransient)
				o.logger.Warn("shutdown countdown complete", zap.String("reason", reason))
				o.terminate()
				return
			}
			if reminderCheckpoints[remaining] {
				o.broadcaster.Broadcast(reminderMessage(remaining), output.ClassTransient)
			}
		}
	}
}

// CancelShutdown aborts an active countdown, reverting all timers and
// broadcasting exactly one cancellation notice.
//
// Postcondition: Returns ErrNoShutdownScheduled if nothing was scheduled.
func (o *Orchestrator) CancelShutdown() error {
	o.mu.Lock()
	if !o.active || o.cancelCh == nil {
		o.mu.Unlock()
		return ErrNoShutdownScheduled
	}
	close(o.cancelCh)
	doneCh := o.doneCh
	o.active = false
	o.remaining = 0
	o.cancelCh = nil
	o.doneCh = nil
	o.mu.Unlock()

	<-doneCh

	o.logger.Info("shutdown cancelled")
	o.broadcaster.Broadcast(ansi.Colorize(ansi.BrightGreen,
		"The scheduled shutdown has been cancelled."), output.ClassTransient)
	return nil
}

// Scheduled reports whether a countdown is active and its remaining minutes.
func (o *Orchestrator) Scheduled() (bool, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active, o.remaining
}

func scheduledMessage(minutes int, reason string) string {
	msg := fmt.Sprintf("The server will shut down in %d minute(s).", minutes)
	if reason != "" {
		msg += " Reason: " + reason
	}
	return ansi.Colorize(ansi.BrightRed, msg)
}

func reminderMessage(minutes int) string {
	return ansi.Colorf(ansi.BrightRed, "Shutdown in %d minute(s).", minutes)
}

func shutdownNowMessage(reason string) string {
	msg := "The server is shutting down now."
	if reason != "" {
		msg += " Reason: " + reason
	}
	return ansi.Colorize(ansi.BrightRed, msg)
}
