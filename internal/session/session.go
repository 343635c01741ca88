// Package session defines the per-connection interaction context and the
// registry of live sessions.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ellyseum/LEmud-sub000/internal/connection"
	"github.com/ellyseum/LEmud-sub000/internal/editor"
	"github.com/ellyseum/LEmud-sub000/internal/output"
)

// StateName identifies a client session state.
type StateName string

const (
	StateConnecting      StateName = "CONNECTING"
	StateLogin           StateName = "LOGIN"
	StateSignup          StateName = "SIGNUP"
	StateConfirmation    StateName = "CONFIRMATION"
	StateAuthenticated   StateName = "AUTHENTICATED"
	StateTransferRequest StateName = "TRANSFER_REQUEST"
)

// StateData is the state-scoped transient payload. Each state defines its
// own concrete type holding only the fields that state needs; a state's
// Enter replaces the payload wholesale.
type StateData interface {
	State() StateName
}

// LoginData holds LOGIN's transient fields.
type LoginData struct {
	// Username is set once a username line has been accepted.
	Username string
	// AwaitingPassword routes the next line to the password handler.
	AwaitingPassword bool
	// Attempts counts failed password entries this session.
	Attempts int
}

func (LoginData) State() StateName { return StateLogin }

// SignupData holds SIGNUP's transient fields.
type SignupData struct {
	Username         string
	AwaitingPassword bool
}

func (SignupData) State() StateName { return StateSignup }

// ConfirmationData holds CONFIRMATION's transient fields.
type ConfirmationData struct {
	Username string
	// PasswordHash is the bcrypt hash of the first password entry awaiting
	// confirmation. The plaintext is never retained across states.
	PasswordHash string
}

func (ConfirmationData) State() StateName { return StateConfirmation }

// TransferData holds TRANSFER_REQUEST's transient fields.
type TransferData struct {
	// Username is the account the new connection authenticated as.
	Username string
	// ExistingSessionID is the already-connected session holding the login.
	ExistingSessionID string
}

func (TransferData) State() StateName { return StateTransferRequest }

// User is the authenticated account attached to a session.
type User struct {
	ID       int64
	Username string
	Role     string
}

// ModalHandler intercepts completed lines while a modal prompt is active
// (admin command/message/kick entry). Returning done=true exits the modal
// and reattaches normal dispatch.
type ModalHandler interface {
	// Prompt returns the modal's prompt text.
	Prompt() string
	// HandleLine consumes one line. done=true ends the modal.
	HandleLine(line string) (done bool)
	// Cancel aborts the modal. Implementations must restore any state they
	// changed; the engine reattaches normal dispatch afterwards.
	Cancel()
}

// Session is one connection's full interaction context. All mutable fields
// are guarded by the session's own mutex; independent sessions proceed
// concurrently.
type Session struct {
	mu sync.Mutex

	// ID is the stable unique session identifier.
	ID string
	// Conn is the transport adapter.
	Conn connection.Conn
	// Editor is the per-session input pipeline.
	Editor *editor.Editor
	// Output coordinates outbound writes against in-progress typing.
	Output *output.Coordinator

	// Authenticated is set once the session reaches AUTHENTICATED.
	Authenticated bool
	// User is the logged-in account; nil until authenticated.
	User *User

	// State is the current state machine position.
	State StateName
	// Data is the state-scoped payload; replaced on every state entry.
	Data StateData

	// Envelope fields, stable across state changes.

	// ForcedTransition, when non-nil, overrides normal dispatch for the
	// next input. Used for session transfer.
	ForcedTransition *StateName
	// RequestedTransition is set by a state handler during Enter or Handle
	// and consumed immediately by the machine.
	RequestedTransition *StateName
	// PreviousState supports return-navigation flows such as change-password.
	PreviousState StateName
	// DisconnectPending marks the session for a delayed close so a final
	// message can be delivered first.
	DisconnectPending bool

	// InputBlocked silently drops user keystrokes. Only meaningful while
	// authenticated; always cleared when monitoring ends.
	InputBlocked bool
	// Elevated grants temporary admin privilege scoped to an active
	// monitoring session.
	Elevated bool

	// monitorSink is the attached monitor, nil when unmonitored. The
	// isBeingMonitored flag of the data model is derived from it, which
	// makes the flag/sink invariant structural.
	monitorSink output.Sink

	// Modal, when non-nil, receives completed lines instead of the state
	// machine.
	Modal ModalHandler

	// Suspended queues inputs during a deferred transition.
	Suspended bool
	// pendingLines holds inputs captured while suspended, in arrival order.
	pendingLines []string

	ConnectedAt  time.Time
	LastActivity time.Time
}

// New creates a Session for the given connection, in CONNECTING state.
//
// Precondition: conn must be non-nil.
func New(conn connection.Conn, prompt string) *Session {
	ed := editor.New(prompt)
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		Editor:       ed,
		Output:       output.NewCoordinator(conn, ed),
		State:        StateConnecting,
		ConnectedAt:  now,
		LastActivity: now,
	}
}

// Lock acquires the session mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch records activity now. Callers hold the session lock.
func (s *Session) Touch() { s.LastActivity = time.Now() }

// IdleFor returns the elapsed time since last activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// SetMonitorSink attaches or clears the monitor sink, keeping the output
// coordinator's mirror chain in step. Callers hold the session lock.
func (s *Session) SetMonitorSink(sink output.Sink) {
	if s.monitorSink != nil {
		s.Output.DetachSink(s.monitorSink)
	}
	s.monitorSink = sink
	if sink != nil {
		s.Output.AttachSink(sink)
	}
}

// MonitorSink returns the attached monitor sink, or nil.
func (s *Session) MonitorSink() output.Sink { return s.monitorSink }

// IsBeingMonitored reports whether a monitor sink is attached.
func (s *Session) IsBeingMonitored() bool { return s.monitorSink != nil }

// QueueLine captures a line arriving during suspension. Order is preserved.
func (s *Session) QueueLine(line string) {
	s.pendingLines = append(s.pendingLines, line)
}

// DequeueLine removes and returns the oldest pending line. At most one line
// is drained per completed transition; the remainder stays queued.
func (s *Session) DequeueLine() (string, bool) {
	if len(s.pendingLines) == 0 {
		return "", false
	}
	line := s.pendingLines[0]
	s.pendingLines = s.pendingLines[1:]
	return line, true
}

// PendingLines returns the number of queued lines.
func (s *Session) PendingLines() int { return len(s.pendingLines) }

// Username returns the authenticated username, or "" when anonymous.
func (s *Session) Username() string {
	if s.User == nil {
		return ""
	}
	return s.User.Username
}
