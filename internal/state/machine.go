// Package state implements the client session state machine governing the
// CONNECTING → LOGIN/SIGNUP/CONFIRMATION → AUTHENTICATED lifecycle.
package state

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
)

// Handler drives one state of the session lifecycle.
type Handler interface {
	// Name returns the state this handler governs.
	Name() session.StateName
	// Enter initializes the state-scoped payload and writes the state's
	// prompt. It must not assume the prior state's payload persists except
	// payloads pre-built for this state and the envelope fields.
	Enter(s *session.Session)
	// Handle processes one completed input line.
	Handle(ctx context.Context, s *session.Session, line string) error
}

// UserManager is the credential collaborator consumed by the auth states.
// postgres.AccountRepository satisfies it.
type UserManager interface {
	Authenticate(ctx context.Context, username, password string) (postgres.Account, error)
	Exists(ctx context.Context, username string) (bool, error)
	CreateWithHash(ctx context.Context, username, hash string) (postgres.Account, error)
	UpdateLastLogin(ctx context.Context, accountID int64, at time.Time) error
	UpdatePassword(ctx context.Context, accountID int64, password string) error
}

// PresenceNotifier is the extension point informed when users come and go.
type PresenceNotifier interface {
	UserOnline(username string)
	UserOffline(username string)
}

// Disconnector schedules a delayed close so a final message is deliverable.
type Disconnector interface {
	DisconnectLater(s *session.Session, message string)
}

// TransferHandler completes a session takeover: the existing session is
// notified and closed, and the new session inherits the login.
type TransferHandler interface {
	Takeover(ctx context.Context, newSess *session.Session, username string, existingID string) error
}

// Machine dispatches completed lines to the active state's handler, applying
// transition sources in priority order: forced override, handler-requested
// transition, and the literal "new" special case in LOGIN.
type Machine struct {
	handlers map[session.StateName]Handler
	logger   *zap.Logger
}

// NewMachine creates a Machine with no registered handlers.
//
// Precondition: logger must be non-nil.
func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{
		handlers: make(map[session.StateName]Handler),
		logger:   logger,
	}
}

// Register adds a state handler. Later registrations replace earlier ones.
func (m *Machine) Register(h Handler) {
	m.handlers[h.Name()] = h
}

// Transition moves the session to the given state and runs its Enter.
// A payload already tagged for the target state is carried in; any other
// payload is discarded. Enter may itself request a further transition
// (CONNECTING auto-advances this way), which is applied immediately.
//
// Precondition: caller holds the session lock.
func (m *Machine) Transition(s *session.Session, to session.StateName) {
	for {
		h, ok := m.handlers[to]
		if !ok {
			// No handler is a state error: route to LOGIN rather than crash.
			m.logger.Error("no handler for state, routing to login",
				zap.String("session_id", s.ID),
				zap.String("state", string(to)),
			)
			to = session.StateLogin
			if _, ok := m.handlers[to]; !ok {
				return
			}
			continue
		}

		s.PreviousState = s.State
		s.State = to
		if s.Data != nil && s.Data.State() != to {
			s.Data = nil
		}
		h.Enter(s)

		if s.RequestedTransition == nil {
			return
		}
		to = *s.RequestedTransition
		s.RequestedTransition = nil
	}
}

// Dispatch routes one completed line through the transition sources and the
// active state's handler.
//
// Precondition: caller holds the session lock.
func (m *Machine) Dispatch(ctx context.Context, s *session.Session, line string) error {
	// (1) Forced override is consumed before anything else.
	if s.ForcedTransition != nil {
		to := *s.ForcedTransition
		s.ForcedTransition = nil
		m.Transition(s, to)
	}

	// (3) Literal "new" at the LOGIN username prompt creates an account.
	// Checked before the handler so it is never treated as a username.
	if s.State == session.StateLogin && strings.EqualFold(strings.TrimSpace(line), "new") {
		if ld, ok := s.Data.(*session.LoginData); !ok || !ld.AwaitingPassword {
			m.Transition(s, session.StateSignup)
			return nil
		}
	}

	h, ok := m.handlers[s.State]
	if !ok {
		m.logger.Error("input in state with no handler",
			zap.String("session_id", s.ID),
			zap.String("state", string(s.State)),
		)
		m.Transition(s, session.StateLogin)
		return nil
	}

	err := h.Handle(ctx, s, line)

	// (2) Handler-requested transition is consumed immediately.
	if s.RequestedTransition != nil {
		to := *s.RequestedTransition
		s.RequestedTransition = nil
		m.Transition(s, to)
	}

	return err
}

// request marks a transition to be consumed by the machine.
func request(s *session.Session, to session.StateName) {
	s.RequestedTransition = &to
}

// setPrompt updates the editor prompt and repaints it.
func setPrompt(s *session.Session, prompt string) {
	s.Editor.SetPrompt(prompt)
	_ = s.Output.WriteRaw(s.Editor.RedrawSequence())
}

// setMasked toggles input masking on both the editor and the transport.
func setMasked(s *session.Session, masked bool) {
	s.Editor.SetMasked(masked)
	s.Conn.SetMaskInput(masked)
}
