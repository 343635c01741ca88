// Package admin implements live session monitoring and takeover: output
// mirroring, command injection, input blocking, boxed notices, scoped
// privilege elevation, and forced kicks.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
)

// ErrAlreadyMonitored is returned when a session already has a monitor.
var ErrAlreadyMonitored = errors.New("session is already being monitored")

// ErrNotMonitored is returned when no monitor is attached to a session.
var ErrNotMonitored = errors.New("session is not being monitored")

// InputPipeline is the engine surface the monitor uses to inject commands.
type InputPipeline interface {
	// ProcessInput executes a completed line as the session's user,
	// bypassing the session's own input pipeline.
	ProcessInput(ctx context.Context, s *session.Session, line string) error
	// InjectKeystrokes feeds synthetic keystrokes through the session's
	// editor, exactly as if the user had typed them.
	InjectKeystrokes(s *session.Session, data []byte)
}

// Closer schedules a delayed close so a final message is deliverable.
type Closer interface {
	DisconnectLater(s *session.Session, message string)
}

// mirrorSink forwards a target's outbound bytes to the watching admin's
// connection, byte-identical to what the player receives.
type mirrorSink struct {
	admin *session.Session
}

func (m *mirrorSink) MirrorOutput(data []byte) {
	_ = m.admin.Conn.Write(data)
}

// Monitor is one active admin-to-target monitoring attachment.
type Monitor struct {
	Admin  *session.Session
	Target *session.Session
	sink   *mirrorSink
}

// Manager owns all active monitors. At most one monitor may be attached to
// a session at a time. All methods are safe for concurrent use.
type Manager struct {
	pipeline InputPipeline
	closer   Closer
	logger   *zap.Logger

	mu       sync.Mutex
	byTarget map[string]*Monitor // target session ID → monitor
}

// NewManager creates a monitor Manager.
//
// Precondition: pipeline, closer, and logger must be non-nil.
func NewManager(pipeline InputPipeline, closer Closer, logger *zap.Logger) *Manager {
	return &Manager{
		pipeline: pipeline,
		closer:   closer,
		logger:   logger,
		byTarget: make(map[string]*Monitor),
	}
}

// Attach starts mirroring target's output to admin.
//
// Postcondition: target.IsBeingMonitored() is true, or ErrAlreadyMonitored.
func (m *Manager) Attach(admin, target *session.Session) (*Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byTarget[target.ID]; taken {
		return nil, ErrAlreadyMonitored
	}

	sink := &mirrorSink{admin: admin}
	target.Lock()
	if target.IsBeingMonitored() {
		target.Unlock()
		return nil, ErrAlreadyMonitored
	}
	target.SetMonitorSink(sink)
	target.Unlock()

	mon := &Monitor{Admin: admin, Target: target, sink: sink}
	m.byTarget[target.ID] = mon

	m.logger.Info("monitor attached",
		zap.String("admin", admin.Username()),
		zap.String("target", target.Username()),
		zap.String("target_session", target.ID),
	)
	return mon, nil
}

// Detach tears a monitor down. It always clears the target's monitor sink,
// input block, and elevation, and redraws the target's prompt, regardless
// of why monitoring ended.
//
// Postcondition: the target session is never left degraded.
func (m *Manager) Detach(targetID string) error {
	m.mu.Lock()
	mon, ok := m.byTarget[targetID]
	if ok {
		delete(m.byTarget, targetID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotMonitored
	}

	target := mon.Target
	target.Lock()
	target.SetMonitorSink(nil)
	target.InputBlocked = false
	target.Elevated = false
	_ = target.Output.WriteRaw(target.Editor.RedrawSequence())
	target.Unlock()

	m.logger.Info("monitor detached",
		zap.String("admin", mon.Admin.Username()),
		zap.String("target_session", targetID),
	)
	return nil
}

// MonitorOf returns the active monitor for a target session, if any.
func (m *Manager) MonitorOf(targetID string) (*Monitor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.byTarget[targetID]
	return mon, ok
}

// MonitorOwnedBy returns the monitor the given admin session owns, if any.
func (m *Manager) MonitorOwnedBy(adminID string) (*Monitor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mon := range m.byTarget {
		if mon.Admin.ID == adminID {
			return mon, true
		}
	}
	return nil, false
}

// TargetClosed handles a target disconnecting while monitored: the admin is
// notified and the monitor is torn down deterministically.
func (m *Manager) TargetClosed(targetID string) {
	m.mu.Lock()
	mon, ok := m.byTarget[targetID]
	m.mu.Unlock()
	if !ok {
		return
	}

	username := mon.Target.Username()
	_ = m.Detach(targetID)

	mon.Admin.Lock()
	_ = mon.Admin.Output.Send(ansi.Colorf(ansi.Yellow,
		"Monitoring ended: %s disconnected.", username), output.ClassTransient)
	mon.Admin.Unlock()
}

// AdminClosed tears down every monitor owned by a disconnecting admin.
func (m *Manager) AdminClosed(adminID string) {
	m.mu.Lock()
	var targets []string
	for targetID, mon := range m.byTarget {
		if mon.Admin.ID == adminID {
			targets = append(targets, targetID)
		}
	}
	m.mu.Unlock()

	for _, targetID := range targets {
		_ = m.Detach(targetID)
	}
}

// Inject executes cmd as the target user. While the target's input is
// blocked the command bypasses their input pipeline entirely; otherwise it
// is simulated as synthetic keystrokes so the target sees it typed. The
// command runs on its own goroutine so the caller never executes target
// code under its own session lock.
func (m *Manager) Inject(ctx context.Context, mon *Monitor, cmd string) {
	go func() {
		mon.Target.Lock()
		if mon.Target.InputBlocked {
			err := m.pipeline.ProcessInput(ctx, mon.Target, cmd)
			mon.Target.Unlock()
			if err != nil {
				m.logger.Error("injected command failed",
					zap.String("target_session", mon.Target.ID),
					zap.String("command", cmd),
					zap.Error(err),
				)
			}
			return
		}
		mon.Target.Unlock()
		m.pipeline.InjectKeystrokes(mon.Target, []byte(cmd+"\r"))
	}()
}

// SetInputBlocked toggles full input blocking on the target. Unblocking
// redraws the prompt with any text buffered before the block.
func (m *Manager) SetInputBlocked(mon *Monitor, blocked bool) {
	target := mon.Target
	target.Lock()
	target.InputBlocked = blocked
	if !blocked {
		_ = target.Output.WriteRaw(target.Editor.RedrawSequence())
	}
	target.Unlock()

	m.logger.Info("input blocking changed",
		zap.String("target_session", target.ID),
		zap.Bool("blocked", blocked),
	)
}

// SetElevated grants or revokes temporary privilege elevation scoped to
// the monitoring session.
func (m *Manager) SetElevated(mon *Monitor, elevated bool) {
	mon.Target.Lock()
	mon.Target.Elevated = elevated
	mon.Target.Unlock()
}

// SendBoxedMessage delivers a bordered administrative notice to the target
// and redraws their prompt afterward.
func (m *Manager) SendBoxedMessage(mon *Monitor, text string) error {
	target := mon.Target
	target.Lock()
	defer target.Unlock()

	box := BoxMessage(text)
	if err := target.Output.WriteRaw([]byte(box)); err != nil {
		return err
	}
	return target.Output.WriteRaw(target.Editor.RedrawSequence())
}

// Kick notifies the target and closes their connection after a short delay
// so the notice is deliverable. The monitor is detached first so teardown
// is deterministic.
func (m *Manager) Kick(mon *Monitor, reason string) {
	targetID := mon.Target.ID
	_ = m.Detach(targetID)

	msg := "You have been disconnected by an administrator."
	if reason != "" {
		msg += " Reason: " + reason
	}

	mon.Target.Lock()
	mon.Target.DisconnectPending = true
	mon.Target.Unlock()
	m.closer.DisconnectLater(mon.Target, ansi.Colorize(ansi.BrightRed, msg))

	m.logger.Warn("session kicked",
		zap.String("admin", mon.Admin.Username()),
		zap.String("target_session", targetID),
		zap.String("reason", reason),
	)
}

// BoxMessage renders text inside an ASCII border, one line per input line.
func BoxMessage(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	width := 0
	for _, line := range lines {
		if n := len(ansi.StripANSI(line)); n > width {
			width = n
		}
	}

	var b strings.Builder
	border := "+" + strings.Repeat("-", width+2) + "+"
	b.WriteString("\r\n" + border + "\r\n")
	for _, line := range lines {
		pad := width - len(ansi.StripANSI(line))
		b.WriteString(fmt.Sprintf("| %s%s |\r\n", line, strings.Repeat(" ", pad)))
	}
	b.WriteString(border + "\r\n")
	return b.String()
}
