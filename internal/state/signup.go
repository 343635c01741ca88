package state

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
)

// Signup governs new-account creation: username choice then password entry.
// Password confirmation happens in CONFIRMATION.
type Signup struct {
	users  UserManager
	auth   config.AuthConfig
	logger *zap.Logger
}

// NewSignup creates the SIGNUP handler.
//
// Precondition: users and logger must be non-nil.
func NewSignup(users UserManager, auth config.AuthConfig, logger *zap.Logger) *Signup {
	return &Signup{users: users, auth: auth, logger: logger}
}

func (sg *Signup) Name() session.StateName { return session.StateSignup }

// Enter prompts for a username, or for a password when re-entered after a
// confirmation mismatch (the carried payload has AwaitingPassword set).
func (sg *Signup) Enter(s *session.Session) {
	sd, ok := s.Data.(*session.SignupData)
	if !ok {
		sd = &session.SignupData{}
		s.Data = sd
	}
	if sd.AwaitingPassword {
		setMasked(s, true)
		setPrompt(s, "Choose a password: ")
		return
	}
	setMasked(s, false)
	_ = s.Output.WriteRaw([]byte("Creating a new character.\r\n"))
	setPrompt(s, "Choose a username: ")
}

// Handle processes the username step, then the password step.
func (sg *Signup) Handle(ctx context.Context, s *session.Session, line string) error {
	sd, ok := s.Data.(*session.SignupData)
	if !ok {
		sg.logger.Error("signup payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return nil
	}

	if sd.AwaitingPassword {
		return sg.handlePassword(s, sd, line)
	}

	username := strings.TrimSpace(line)
	if strings.EqualFold(username, "cancel") {
		request(s, session.StateLogin)
		return nil
	}
	if !validUsername(username, sg.auth) {
		_ = s.Output.Send(ansi.Colorf(ansi.Red,
			"Usernames are %d-%d letters, digits, and underscores.",
			sg.auth.MinUsernameLen, sg.auth.MaxUsernameLen), output.ClassStandard)
		return nil
	}

	exists, err := sg.users.Exists(ctx, username)
	if err != nil {
		sg.logger.Error("checking username", zap.Error(err), zap.String("session_id", s.ID))
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "An internal error occurred. Please try again."), output.ClassStandard)
		return nil
	}
	if exists {
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "That username is already taken."), output.ClassStandard)
		return nil
	}

	sd.Username = username
	sd.AwaitingPassword = true
	setMasked(s, true)
	setPrompt(s, "Choose a password: ")
	return nil
}

// handlePassword validates the first password entry and hands off to
// CONFIRMATION carrying only the bcrypt hash, never the plaintext.
func (sg *Signup) handlePassword(s *session.Session, sd *session.SignupData, password string) error {
	if len(password) < sg.auth.MinPasswordLen {
		_ = s.Output.Send(ansi.Colorf(ansi.Red,
			"Passwords must be at least %d characters.", sg.auth.MinPasswordLen), output.ClassStandard)
		setPrompt(s, "Choose a password: ")
		return nil
	}

	hash, err := postgres.HashPassword(password)
	if err != nil {
		sg.logger.Error("hashing password", zap.Error(err), zap.String("session_id", s.ID))
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "An internal error occurred. Please try again."), output.ClassStandard)
		setPrompt(s, "Choose a password: ")
		return nil
	}

	s.Data = &session.ConfirmationData{
		Username:     sd.Username,
		PasswordHash: hash,
	}
	request(s, session.StateConfirmation)
	return nil
}
