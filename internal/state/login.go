package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
)

// Login governs the username prompt and the password sub-protocol.
type Login struct {
	users    UserManager
	registry *session.Registry
	auth     config.AuthConfig
	closer   Disconnector
	logger   *zap.Logger
}

// NewLogin creates the LOGIN handler.
//
// Precondition: all collaborators must be non-nil.
func NewLogin(users UserManager, registry *session.Registry, auth config.AuthConfig, closer Disconnector, logger *zap.Logger) *Login {
	return &Login{
		users:    users,
		registry: registry,
		auth:     auth,
		closer:   closer,
		logger:   logger,
	}
}

func (l *Login) Name() session.StateName { return session.StateLogin }

// Enter resets to the username prompt unless a LOGIN payload was carried in.
func (l *Login) Enter(s *session.Session) {
	ld, ok := s.Data.(*session.LoginData)
	if !ok {
		ld = &session.LoginData{}
		s.Data = ld
	}
	if ld.AwaitingPassword {
		setMasked(s, true)
		setPrompt(s, "Password: ")
		return
	}
	setMasked(s, false)
	setPrompt(s, "Username: ")
}

// Handle processes a username entry, or routes to the password handler once
// a username has been accepted.
func (l *Login) Handle(ctx context.Context, s *session.Session, line string) error {
	ld, ok := s.Data.(*session.LoginData)
	if !ok {
		// State error: payload went missing. Re-enter cleanly.
		l.logger.Error("login payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return nil
	}

	if ld.AwaitingPassword {
		return l.handlePassword(ctx, s, ld, line)
	}

	username := strings.TrimSpace(line)
	if username == "" {
		setPrompt(s, "Username: ")
		return nil
	}
	if !validUsername(username, l.auth) {
		_ = s.Output.Send(ansi.Colorf(ansi.Red,
			"Usernames are %d-%d letters, digits, and underscores.",
			l.auth.MinUsernameLen, l.auth.MaxUsernameLen), output.ClassStandard)
		return nil
	}

	exists, err := l.users.Exists(ctx, username)
	if err != nil {
		l.logger.Error("checking username", zap.Error(err), zap.String("session_id", s.ID))
		_ = s.Output.Send(ansi.Colorize(ansi.Red, "An internal error occurred. Please try again."), output.ClassStandard)
		return nil
	}
	if !exists {
		_ = s.Output.Send(ansi.Colorize(ansi.Yellow,
			"No such user. Type \"new\" to create a character."), output.ClassStandard)
		return nil
	}

	ld.Username = username
	ld.AwaitingPassword = true
	setMasked(s, true)
	setPrompt(s, "Password: ")
	return nil
}

// handlePassword verifies one password entry, bypassing generic dispatch.
// Repeated failures are counted; exceeding the threshold disconnects with a
// delay so the final message lands.
func (l *Login) handlePassword(ctx context.Context, s *session.Session, ld *session.LoginData, password string) error {
	start := time.Now()
	acct, err := l.users.Authenticate(ctx, ld.Username, password)
	if err != nil {
		switch {
		case errors.Is(err, postgres.ErrInvalidCredentials), errors.Is(err, postgres.ErrAccountNotFound):
			ld.Attempts++
			l.logger.Info("failed login attempt",
				zap.String("session_id", s.ID),
				zap.String("username", ld.Username),
				zap.Int("attempts", ld.Attempts),
			)
			if ld.Attempts >= l.auth.MaxPasswordAttempts {
				s.DisconnectPending = true
				l.closer.DisconnectLater(s, ansi.Colorize(ansi.Red, "Too many failed attempts. Goodbye."))
				return nil
			}
			_ = s.Output.Send(ansi.Colorize(ansi.Red, "Invalid password."), output.ClassStandard)
			setPrompt(s, "Password: ")
			return nil
		default:
			l.logger.Error("authentication error", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			_ = s.Output.Send(ansi.Colorize(ansi.Red, "An internal error occurred. Please try again."), output.ClassStandard)
			setPrompt(s, "Password: ")
			return nil
		}
	}

	setMasked(s, false)

	// The same account may already be connected elsewhere: ask the new
	// connection whether to take the login over.
	if existing, found := l.registry.FindByUsername(acct.Username); found && existing.ID != s.ID {
		s.Data = &session.TransferData{
			Username:          acct.Username,
			ExistingSessionID: existing.ID,
		}
		request(s, session.StateTransferRequest)
		return nil
	}

	s.User = &session.User{ID: acct.ID, Username: acct.Username, Role: acct.Role}
	l.registry.Bind(s, acct.Username)
	if err := l.users.UpdateLastLogin(ctx, acct.ID, time.Now()); err != nil {
		l.logger.Warn("stamping last login", zap.Error(err), zap.String("username", acct.Username))
	}

	l.logger.Info("user logged in",
		zap.String("session_id", s.ID),
		zap.String("username", acct.Username),
		zap.Duration("elapsed", time.Since(start)),
	)
	request(s, session.StateAuthenticated)
	return nil
}

// validUsername checks length and charset bounds from AuthConfig.
func validUsername(username string, auth config.AuthConfig) bool {
	if len(username) < auth.MinUsernameLen || len(username) > auth.MaxUsernameLen {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
