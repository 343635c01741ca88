// Package engine wires the session registry, input pipeline, state machine,
// monitoring, and operational services into the surface the transports and
// binaries consume.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/admin"
	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/connection"
	"github.com/ellyseum/LEmud-sub000/internal/ops"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/state"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
)

// ctrlC is the emergency interrupt recognized even while input is blocked.
const ctrlC = 0x03

// AccountLookup resolves accounts by username. postgres.AccountRepository
// satisfies it.
type AccountLookup interface {
	GetByUsername(ctx context.Context, username string) (postgres.Account, error)
}

// RoomQuery is the extension point the "look" command consumes. The session
// engine carries no world model; a game layer may plug one in here.
type RoomQuery interface {
	DescribeRoom(username string) string
}

// Engine is the facade tying transports to sessions. It implements
// state.Disconnector, state.TransferHandler, ops.Closer, ops.Broadcaster,
// and admin.InputPipeline.
type Engine struct {
	registry *session.Registry
	machine  *state.Machine
	accounts AccountLookup
	auth     config.AuthConfig
	presence state.PresenceNotifier
	logger   *zap.Logger

	// Set after construction to break the constructor cycle: the monitor
	// manager and shutdown orchestrator both consume the engine.
	monitors *admin.Manager
	shutdown *ops.Orchestrator
}

// New creates an Engine. presence may be nil.
//
// Precondition: registry, machine, accounts, and logger must be non-nil.
func New(registry *session.Registry, machine *state.Machine, accounts AccountLookup, auth config.AuthConfig, presence state.PresenceNotifier, logger *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		machine:  machine,
		accounts: accounts,
		auth:     auth,
		presence: presence,
		logger:   logger,
	}
}

// SetMonitors attaches the monitor manager. Must be called before serving.
func (e *Engine) SetMonitors(m *admin.Manager) { e.monitors = m }

// SetShutdown attaches the shutdown orchestrator. Must be called before
// serving.
func (e *Engine) SetShutdown(o *ops.Orchestrator) { e.shutdown = o }

// Registry exposes the session registry for read-side collaborators.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Monitors exposes the monitor manager.
func (e *Engine) Monitors() *admin.Manager { return e.monitors }

// SetupClient creates a session for a freshly accepted connection, registers
// it, installs the input handler, and enters CONNECTING. It implements the
// telnet acceptor's and websocket server's ClientHandler.
func (e *Engine) SetupClient(conn connection.Conn) {
	s := session.New(conn, "")
	e.registry.Add(s)

	conn.SetHandler(connection.HandlerFuncs{
		DataFn: func(data []byte) { e.handleData(s, data, false) },
		EndFn:  func() { e.removeSession(s) },
		ErrorFn: func(err error) {
			e.logger.Warn("connection error",
				zap.String("session_id", s.ID),
				zap.String("remote_addr", conn.RemoteAddr()),
				zap.Error(err),
			)
			e.removeSession(s)
		},
	})

	e.logger.Info("client connected",
		zap.String("session_id", s.ID),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.String("transport", string(conn.Type())),
	)

	s.Lock()
	e.machine.Transition(s, session.StateConnecting)
	s.Unlock()
}

// handleData is the per-keystroke path. synthetic marks admin-injected
// keystrokes, which bypass input blocking.
func (e *Engine) handleData(s *session.Session, data []byte, synthetic bool) {
	s.Lock()
	defer s.Unlock()

	s.Touch()

	if s.InputBlocked && !synthetic {
		e.handleBlockedInput(s, data)
		return
	}

	res := s.Editor.Feed(data)
	_ = s.Output.WriteEcho(res.Echo)
	s.Output.SetTyping(s.Editor.Len() > 0)

	if res.Cleared {
		_ = s.Output.Flush()
	}

	for _, line := range res.Lines {
		s.Output.SetTyping(false)
		_ = s.Output.Flush()
		e.handleLine(s, line)
	}
	if len(res.Lines) > 0 {
		// A partial next line may follow the completed ones ("a\rb").
		s.Output.SetTyping(s.Editor.Len() > 0)
	}
}

// handleBlockedInput drops keystrokes while input is blocked. Ctrl+C is the
// emergency interrupt: the user is never trapped behind a block — it notifies
// the watching admin and schedules a disconnect.
func (e *Engine) handleBlockedInput(s *session.Session, data []byte) {
	for _, b := range data {
		if b != ctrlC {
			continue
		}
		e.logger.Warn("emergency interrupt while input blocked",
			zap.String("session_id", s.ID),
			zap.String("username", s.Username()),
		)
		if mon, ok := e.monitors.MonitorOf(s.ID); ok {
			notice := ansi.Colorf(ansi.BrightRed,
				"%s pressed the emergency interrupt; disconnecting them.", s.Username())
			go func() {
				mon.Admin.Lock()
				_ = mon.Admin.Output.Send(notice, output.ClassTransient)
				mon.Admin.Unlock()
			}()
		}
		s.DisconnectPending = true
		e.disconnectLaterLocked(s, "Disconnected.")
		return
	}
}

// handleLine routes one completed line. Caller holds the session lock.
func (e *Engine) handleLine(s *session.Session, line string) {
	if m := s.Modal; m != nil {
		if done := m.HandleLine(line); done {
			// The handler may have installed a follow-up modal; only clear
			// the one that just finished.
			if s.Modal == m {
				s.Modal = nil
				_ = s.Output.WriteRaw(s.Editor.RedrawSequence())
			}
		} else {
			e.promptModal(s)
		}
		return
	}

	if s.Suspended {
		s.QueueLine(line)
		return
	}

	if err := e.machine.Dispatch(context.Background(), s, line); err != nil {
		e.logger.Error("dispatch error",
			zap.String("session_id", s.ID),
			zap.String("state", string(s.State)),
			zap.Error(err),
		)
	}
}

// ProcessInput executes one completed line for a session, bypassing the
// editor. Implements admin.InputPipeline.
//
// Precondition: caller holds the session lock.
func (e *Engine) ProcessInput(ctx context.Context, s *session.Session, line string) error {
	if m := s.Modal; m != nil {
		if done := m.HandleLine(line); done && s.Modal == m {
			s.Modal = nil
			_ = s.Output.WriteRaw(s.Editor.RedrawSequence())
		}
		return nil
	}
	if s.Suspended {
		s.QueueLine(line)
		return nil
	}
	return e.machine.Dispatch(ctx, s, line)
}

// InjectKeystrokes feeds synthetic keystrokes through the session's editor,
// exactly as if the user had typed them. Implements admin.InputPipeline.
func (e *Engine) InjectKeystrokes(s *session.Session, data []byte) {
	e.handleData(s, data, true)
}

// EnterModal installs a modal handler and paints its prompt.
//
// Precondition: caller holds the session lock.
func (e *Engine) EnterModal(s *session.Session, m session.ModalHandler) {
	s.Modal = m
	e.promptModal(s)
}

func (e *Engine) promptModal(s *session.Session) {
	_ = s.Output.WriteRaw([]byte("\r\n" + s.Modal.Prompt()))
}

// SuspendInput opens a suspension window: lines arriving before it closes
// are queued instead of dispatched. On resume exactly one queued line is
// drained; any remainder stays queued for subsequent resumes.
func (e *Engine) SuspendInput(s *session.Session, d time.Duration) {
	s.Lock()
	s.Suspended = true
	s.Unlock()

	time.AfterFunc(d, func() {
		s.Lock()
		defer s.Unlock()
		s.Suspended = false
		if line, ok := s.DequeueLine(); ok {
			e.handleLine(s, line)
		}
	})
}

// DisconnectLater delivers a final message and closes the connection after
// the configured delay. Implements state.Disconnector and ops.Closer.
func (e *Engine) DisconnectLater(s *session.Session, message string) {
	s.Lock()
	e.disconnectLaterLocked(s, message)
	s.Unlock()
}

func (e *Engine) disconnectLaterLocked(s *session.Session, message string) {
	s.DisconnectPending = true
	_ = s.Output.WriteRaw(append(s.Editor.ClearLineSequence(), []byte(message+"\r\n")...))

	delay := e.auth.DisconnectDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	time.AfterFunc(delay, func() {
		_ = s.Conn.End()
	})
}

// Takeover completes a session transfer: the existing session is notified
// and closed, and newSess inherits the login. Implements
// state.TransferHandler.
//
// Precondition: caller holds newSess's lock only.
func (e *Engine) Takeover(ctx context.Context, newSess *session.Session, username string, existingID string) error {
	acct, err := e.accounts.GetByUsername(ctx, username)
	if err != nil {
		return err
	}

	if old, ok := e.registry.Get(existingID); ok && old.ID != newSess.ID {
		// Deferred off this goroutine: the caller holds newSess's lock and
		// the close path takes old's.
		go e.DisconnectLater(old, ansi.Colorize(ansi.BrightRed,
			"Your account has been accessed from another location."))
	}

	newSess.User = &session.User{ID: acct.ID, Username: acct.Username, Role: acct.Role}
	e.registry.Bind(newSess, acct.Username)

	e.logger.Info("session transferred",
		zap.String("username", username),
		zap.String("from_session", existingID),
		zap.String("to_session", newSess.ID),
	)
	return nil
}

// Broadcast delivers a message to every authenticated session. Implements
// ops.Broadcaster. Iteration is over a registry snapshot; per-session
// queueing rules apply.
func (e *Engine) Broadcast(msg string, class output.Class) {
	for _, s := range e.registry.All() {
		s.Lock()
		if s.Authenticated {
			_ = s.Output.Send(msg, class)
		}
		s.Unlock()
	}
}

// CheckForIdleClients disconnects authenticated sessions idle past timeout,
// returning the number reaped. Monitored sessions and sessions already
// pending disconnect are skipped.
func (e *Engine) CheckForIdleClients(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	now := time.Now()
	reaped := 0
	for _, s := range e.registry.All() {
		s.Lock()
		skip := !s.Authenticated || s.IsBeingMonitored() || s.DisconnectPending
		idle := s.IdleFor(now)
		if !skip && idle > timeout {
			s.DisconnectPending = true
			e.disconnectLaterLocked(s, ansi.Colorf(ansi.Yellow,
				"Idle for %s; disconnecting.", idle.Round(time.Second)))
			reaped++
		}
		s.Unlock()
	}
	return reaped
}

// ScheduleShutdown delegates to the shutdown orchestrator.
func (e *Engine) ScheduleShutdown(minutes int, reason string) error {
	return e.shutdown.ScheduleShutdown(minutes, reason)
}

// CancelShutdown delegates to the shutdown orchestrator.
func (e *Engine) CancelShutdown() error {
	return e.shutdown.CancelShutdown()
}

// removeSession tears a session down after its connection ends: it is
// unregistered, monitoring in either direction is detached, presence is
// notified, and any session waiting on this one in TRANSFER_REQUEST is
// forced through to AUTHENTICATED.
func (e *Engine) removeSession(s *session.Session) {
	if _, err := e.registry.Remove(s.ID); err != nil {
		return // already removed
	}

	if e.monitors != nil {
		e.monitors.TargetClosed(s.ID)
		e.monitors.AdminClosed(s.ID)
	}

	s.Lock()
	username := s.Username()
	wasAuthenticated := s.Authenticated
	if s.Modal != nil {
		s.Modal.Cancel()
		s.Modal = nil
	}
	s.SetMonitorSink(nil)
	s.Editor.ClearHistory()
	s.Unlock()

	if wasAuthenticated && e.presence != nil {
		e.presence.UserOffline(username)
	}

	e.logger.Info("client disconnected",
		zap.String("session_id", s.ID),
		zap.String("username", username),
		zap.Duration("connected_for", time.Since(s.ConnectedAt)),
	)

	if username != "" {
		e.releaseWaitingTransfers(s.ID, username)
	}
}

// releaseWaitingTransfers finds sessions blocked in TRANSFER_REQUEST on the
// departed session and forces them through to AUTHENTICATED: the conflict
// resolved itself, so the next keypress completes their login.
func (e *Engine) releaseWaitingTransfers(departedID, username string) {
	acct, err := e.accounts.GetByUsername(context.Background(), username)
	if err != nil {
		e.logger.Warn("transfer release lookup failed",
			zap.String("username", username),
			zap.Error(err),
		)
		return
	}

	for _, w := range e.registry.All() {
		w.Lock()
		td, ok := w.Data.(*session.TransferData)
		if w.State == session.StateTransferRequest && ok && td.ExistingSessionID == departedID {
			w.User = &session.User{ID: acct.ID, Username: acct.Username, Role: acct.Role}
			e.registry.Bind(w, acct.Username)
			to := session.StateAuthenticated
			w.ForcedTransition = &to
			_ = w.Output.Send(ansi.Colorize(ansi.Yellow,
				"The other connection has ended. Press Enter to continue."),
				output.ClassTransient)
		}
		w.Unlock()
	}
}
