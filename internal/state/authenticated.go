package state

import (
	"context"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/content"
	"github.com/ellyseum/LEmud-sub000/internal/session"
)

// CommandHandler is the game-side collaborator receiving completed command
// lines from authenticated sessions.
type CommandHandler interface {
	HandleCommand(ctx context.Context, s *session.Session, line string) error
}

// Authenticated forwards completed lines to the game's command handler.
type Authenticated struct {
	commands CommandHandler
	presence PresenceNotifier
	screens  *content.Screens
	logger   *zap.Logger
}

// NewAuthenticated creates the AUTHENTICATED handler. presence may be nil.
//
// Precondition: commands, screens, and logger must be non-nil.
func NewAuthenticated(commands CommandHandler, presence PresenceNotifier, screens *content.Screens, logger *zap.Logger) *Authenticated {
	return &Authenticated{
		commands: commands,
		presence: presence,
		screens:  screens,
		logger:   logger,
	}
}

func (a *Authenticated) Name() session.StateName { return session.StateAuthenticated }

// Enter marks the session authenticated, shows the MOTD, and notifies
// presence collaborators.
func (a *Authenticated) Enter(s *session.Session) {
	if s.User == nil {
		// State error: authenticated entry without a user. Known-good route.
		a.logger.Error("authenticated entry without user", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return
	}

	firstEntry := !s.Authenticated
	s.Authenticated = true
	s.Data = nil
	setMasked(s, false)

	if firstEntry {
		_ = s.Output.WriteRaw([]byte(a.screens.MOTD))
		if a.presence != nil {
			a.presence.UserOnline(s.User.Username)
		}
	}
	setPrompt(s, gamePrompt(s))
}

// Handle forwards the line to the command handler. Blank lines repaint the
// prompt.
func (a *Authenticated) Handle(ctx context.Context, s *session.Session, line string) error {
	if line == "" {
		setPrompt(s, gamePrompt(s))
		return nil
	}
	if err := a.commands.HandleCommand(ctx, s, line); err != nil {
		a.logger.Error("command handler error",
			zap.String("session_id", s.ID),
			zap.String("username", s.Username()),
			zap.Error(err),
		)
		_ = s.Output.WriteRaw([]byte(ansi.Colorize(ansi.Red, "Something went wrong.") + "\r\n"))
	}
	setPrompt(s, gamePrompt(s))
	return nil
}

// gamePrompt renders the in-game prompt for the session's user.
func gamePrompt(s *session.Session) string {
	return ansi.Colorf(ansi.BrightCyan, "[%s] > ", s.Username())
}
