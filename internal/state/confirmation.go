package state

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
)

// Confirmation asks for the signup password a second time, creates the
// account on a match, and returns to the SIGNUP password step otherwise.
type Confirmation struct {
	users    UserManager
	registry *session.Registry
	logger   *zap.Logger
}

// NewConfirmation creates the CONFIRMATION handler.
//
// Precondition: all collaborators must be non-nil.
func NewConfirmation(users UserManager, registry *session.Registry, logger *zap.Logger) *Confirmation {
	return &Confirmation{users: users, registry: registry, logger: logger}
}

func (c *Confirmation) Name() session.StateName { return session.StateConfirmation }

// Enter requires a CONFIRMATION payload carried in from SIGNUP; arriving
// without one is a state error and routes back to LOGIN.
func (c *Confirmation) Enter(s *session.Session) {
	if _, ok := s.Data.(*session.ConfirmationData); !ok {
		c.logger.Error("confirmation payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return
	}
	setMasked(s, true)
	setPrompt(s, "Confirm password: ")
}

// Handle compares the confirmation entry against the carried hash.
func (c *Confirmation) Handle(ctx context.Context, s *session.Session, line string) error {
	cd, ok := s.Data.(*session.ConfirmationData)
	if !ok {
		c.logger.Error("confirmation payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return nil
	}

	if !postgres.CheckPassword(line, cd.PasswordHash) {
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "Passwords do not match. Try again."), output.ClassStandard)
		s.Data = &session.SignupData{
			Username:         cd.Username,
			AwaitingPassword: true,
		}
		request(s, session.StateSignup)
		return nil
	}

	acct, err := c.users.CreateWithHash(ctx, cd.Username, cd.PasswordHash)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountExists) {
			// The name was taken between the SIGNUP check and now.
			_ = s.Output.Send(ansi.Colorize(ansi.Red, "That username is already taken."), output.ClassStandard)
			request(s, session.StateSignup)
			return nil
		}
		c.logger.Error("creating account", zap.Error(err), zap.String("username", cd.Username))
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "An internal error occurred. Please try again."), output.ClassStandard)
		request(s, session.StateSignup)
		return nil
	}

	setMasked(s, false)
	s.User = &session.User{ID: acct.ID, Username: acct.Username, Role: acct.Role}
	c.registry.Bind(s, acct.Username)
	if err := c.users.UpdateLastLogin(ctx, acct.ID, time.Now()); err != nil {
		c.logger.Warn("stamping last login", zap.Error(err), zap.String("username", acct.Username))
	}

	c.logger.Info("account created",
		zap.String("session_id", s.ID),
		zap.String("username", acct.Username),
	)
	_ = s.Output.Send(ansi.Colorf(ansi.BrightGreen, "Welcome, %s!", acct.Username), output.ClassStandard)
	request(s, session.StateAuthenticated)
	return nil
}
