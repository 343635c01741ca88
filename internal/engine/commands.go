package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/admin"
	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/content"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/state"
)

// roleAdmin grants access to the administrative command set.
const roleAdmin = "admin"

// Commands is the built-in command set for authenticated sessions. It
// implements state.CommandHandler. World-facing commands delegate to the
// RoomQuery extension point when one is plugged in.
//
// Lock discipline: HandleCommand runs under the issuing session's lock.
// Commands that touch other sessions therefore run on their own goroutine
// and re-acquire locks as needed; a session lock is never held while
// taking another session's lock.
type Commands struct {
	engine  *Engine
	users   state.UserManager
	screens *content.Screens
	auth    config.AuthConfig
	rooms   RoomQuery // optional
	logger  *zap.Logger
}

// NewCommands creates the built-in command handler. rooms may be nil.
//
// Precondition: engine, users, screens, and logger must be non-nil.
func NewCommands(engine *Engine, users state.UserManager, screens *content.Screens, auth config.AuthConfig, rooms RoomQuery, logger *zap.Logger) *Commands {
	return &Commands{
		engine:  engine,
		users:   users,
		screens: screens,
		auth:    auth,
		rooms:   rooms,
		logger:  logger,
	}
}

// HandleCommand parses and executes one completed command line.
//
// Precondition: caller holds the session lock.
func (c *Commands) HandleCommand(ctx context.Context, s *session.Session, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch verb {
	case "help":
		return c.reply(s, c.screens.Help)
	case "look":
		return c.look(s)
	case "say":
		if rest == "" {
			return c.reply(s, "Say what?")
		}
		msg := ansi.Colorf(ansi.BrightGreen, "%s says: %s", s.Username(), rest)
		go c.engine.Broadcast(msg, output.ClassStandard)
		return nil
	case "who":
		go c.who(s)
		return nil
	case "history":
		return c.history(s)
	case "changepassword":
		c.changePassword(ctx, s)
		return nil
	case "quit":
		c.engine.disconnectLaterLocked(s, "Goodbye.")
		return nil
	}

	if c.isAdmin(s) {
		if handled, err := c.adminCommand(s, verb, rest, fields); handled {
			return err
		}
	}

	return c.reply(s, ansi.Colorf(ansi.Yellow, "Unknown command: %s. Type \"help\".", verb))
}

func (c *Commands) isAdmin(s *session.Session) bool {
	return (s.User != nil && s.User.Role == roleAdmin) || s.Elevated
}

// reply writes a message through the session's output coordinator. Caller
// holds the session lock.
func (c *Commands) reply(s *session.Session, msg string) error {
	return s.Output.Send(msg, output.ClassStandard)
}

// replyLater re-acquires the session lock to deliver a reply from a command
// goroutine.
func (c *Commands) replyLater(s *session.Session, msg string) {
	s.Lock()
	_ = c.reply(s, msg)
	s.Unlock()
}

func (c *Commands) look(s *session.Session) error {
	if c.rooms != nil {
		return c.reply(s, c.rooms.DescribeRoom(s.Username()))
	}
	return c.reply(s, "You are in the void. There is nothing here yet.")
}

// who runs on its own goroutine: it locks every other session in turn.
func (c *Commands) who(s *session.Session) {
	var names []string
	for _, other := range c.engine.Registry().All() {
		if other.ID == s.ID {
			continue
		}
		other.Lock()
		if other.Authenticated {
			names = append(names, other.Username())
		}
		other.Unlock()
	}

	s.Lock()
	defer s.Unlock()
	var b strings.Builder
	b.WriteString(ansi.Colorize(ansi.BrightCyan, "Online now:"))
	count := 0
	if s.Authenticated {
		b.WriteString("\r\n  " + s.Username() + " (you)")
		count++
	}
	for _, name := range names {
		b.WriteString("\r\n  " + name)
		count++
	}
	b.WriteString(fmt.Sprintf("\r\n%d connected.", count))
	_ = c.reply(s, b.String())
}

func (c *Commands) history(s *session.Session) error {
	entries := s.Editor.History()
	if len(entries) == 0 {
		return c.reply(s, "No command history.")
	}
	var b strings.Builder
	b.WriteString("Command history:")
	for i, entry := range entries {
		b.WriteString(fmt.Sprintf("\r\n%3d  %s", i+1, entry))
	}
	return c.reply(s, b.String())
}

// changePassword runs a two-step masked modal: new password, then
// confirmation. Cancel at either step leaves the password unchanged.
func (c *Commands) changePassword(ctx context.Context, s *session.Session) {
	unmask := func() {
		s.Editor.SetMasked(false)
		s.Conn.SetMaskInput(false)
	}
	s.Editor.SetMasked(true)
	s.Conn.SetMaskInput(true)

	askConfirm := func(first string) session.ModalHandler {
		return admin.NewPromptModal("Confirm new password: ", func(confirm string) {
			unmask()
			if confirm != first {
				_ = c.reply(s, ansi.Colorize(ansi.Red, "Passwords do not match."))
				return
			}
			if err := c.users.UpdatePassword(ctx, s.User.ID, first); err != nil {
				c.logger.Error("password update failed",
					zap.String("username", s.Username()),
					zap.Error(err),
				)
				_ = c.reply(s, ansi.Colorize(ansi.Red, "Could not update password."))
				return
			}
			_ = c.reply(s, ansi.Colorize(ansi.BrightGreen, "Password changed."))
		}, unmask)
	}

	first := admin.NewPromptModal("New password: ", func(pw string) {
		if len(pw) < c.auth.MinPasswordLen {
			unmask()
			_ = c.reply(s, ansi.Colorf(ansi.Red,
				"Password must be at least %d characters.", c.auth.MinPasswordLen))
			return
		}
		c.engine.EnterModal(s, askConfirm(pw))
	}, unmask)

	c.engine.EnterModal(s, first)
}

// adminCommand executes the administrative command set. handled=false falls
// through to the unknown-command reply. Cross-session work is deferred to
// goroutines per the package lock discipline.
func (c *Commands) adminCommand(s *session.Session, verb, rest string, fields []string) (bool, error) {
	mons := c.engine.Monitors()

	switch verb {
	case "monitor":
		if len(fields) < 2 {
			return true, c.reply(s, "Usage: monitor <username>")
		}
		go c.attachMonitor(s, fields[1])
		return true, nil

	case "stopmonitor":
		go func() {
			mon, ok := c.monitorOwnedBy(s)
			if !ok {
				c.replyLater(s, "You are not monitoring anyone.")
				return
			}
			_ = mons.Detach(mon.Target.ID)
			c.replyLater(s, "Monitoring stopped.")
		}()
		return true, nil

	case "inject":
		mon, ok := c.monitorOwnedBy(s)
		if !ok {
			return true, c.reply(s, "Monitor someone first.")
		}
		if rest == "" {
			c.engine.EnterModal(s, admin.NewPromptModal("Command to inject: ", func(cmd string) {
				mons.Inject(context.Background(), mon, cmd)
			}, nil))
			return true, nil
		}
		mons.Inject(context.Background(), mon, rest)
		return true, nil

	case "block", "unblock":
		mon, ok := c.monitorOwnedBy(s)
		if !ok {
			return true, c.reply(s, "Monitor someone first.")
		}
		blocked := verb == "block"
		go func() {
			mons.SetInputBlocked(mon, blocked)
			c.replyLater(s, fmt.Sprintf("Input %sed for %s.", verb, mon.Target.Username()))
		}()
		return true, nil

	case "elevate", "deelevate":
		mon, ok := c.monitorOwnedBy(s)
		if !ok {
			return true, c.reply(s, "Monitor someone first.")
		}
		elevated := verb == "elevate"
		go func() {
			mons.SetElevated(mon, elevated)
			word := "revoked"
			if elevated {
				word = "granted"
			}
			c.replyLater(s, fmt.Sprintf("Elevation %s for %s.", word, mon.Target.Username()))
		}()
		return true, nil

	case "msg":
		mon, ok := c.monitorOwnedBy(s)
		if !ok {
			return true, c.reply(s, "Monitor someone first.")
		}
		if rest == "" {
			c.engine.EnterModal(s, admin.NewPromptModal("Message: ", func(text string) {
				go func() { _ = mons.SendBoxedMessage(mon, text) }()
			}, nil))
			return true, nil
		}
		go func() { _ = mons.SendBoxedMessage(mon, rest) }()
		return true, nil

	case "kick":
		if len(fields) < 2 {
			return true, c.reply(s, "Usage: kick <username> [reason]")
		}
		reason := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		go c.kick(s, fields[1], reason)
		return true, nil

	case "broadcast":
		if rest == "" {
			return true, c.reply(s, "Usage: broadcast <message>")
		}
		msg := ansi.Colorf(ansi.BrightYellow, "[SYSTEM] %s", rest)
		go c.engine.Broadcast(msg, output.ClassTransient)
		return true, nil

	case "shutdown":
		minutes := 0
		if len(fields) >= 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return true, c.reply(s, "Usage: shutdown <minutes> [reason]")
			}
			minutes = n
		}
		reason := ""
		if len(fields) >= 3 {
			reason = strings.Join(fields[2:], " ")
		}
		go func() {
			if err := c.engine.ScheduleShutdown(minutes, reason); err != nil {
				c.replyLater(s, ansi.Colorf(ansi.Yellow, "%v.", err))
			}
		}()
		return true, nil

	case "cancelshutdown":
		go func() {
			if err := c.engine.CancelShutdown(); err != nil {
				c.replyLater(s, ansi.Colorf(ansi.Yellow, "%v.", err))
			}
		}()
		return true, nil
	}

	return false, nil
}

// attachMonitor resolves the target and attaches a monitor. Runs on its own
// goroutine.
func (c *Commands) attachMonitor(s *session.Session, username string) {
	target, ok := c.engine.Registry().FindByUsername(username)
	if !ok {
		c.replyLater(s, ansi.Colorf(ansi.Yellow, "%s is not online.", username))
		return
	}
	if target.ID == s.ID {
		c.replyLater(s, "You cannot monitor yourself.")
		return
	}
	if _, err := c.engine.Monitors().Attach(s, target); err != nil {
		c.replyLater(s, ansi.Colorf(ansi.Yellow, "Cannot monitor %s: %v.", username, err))
		return
	}
	c.replyLater(s, ansi.Colorf(ansi.BrightGreen,
		"Monitoring %s. Their screen is mirrored to yours.", username))
}

// monitorOwnedBy finds the monitor the given admin session currently owns.
// Reads only monitor-manager state, so it is safe under the admin's lock.
func (c *Commands) monitorOwnedBy(s *session.Session) (*admin.Monitor, bool) {
	return c.engine.Monitors().MonitorOwnedBy(s.ID)
}

// kick resolves the target by name and removes them. Runs on its own
// goroutine. A monitor attachment is not required to remove a user.
func (c *Commands) kick(s *session.Session, username, reason string) {
	target, ok := c.engine.Registry().FindByUsername(username)
	if !ok {
		c.replyLater(s, ansi.Colorf(ansi.Yellow, "%s is not online.", username))
		return
	}
	mons := c.engine.Monitors()
	if mon, ok := mons.MonitorOf(target.ID); ok {
		mons.Kick(mon, reason)
	} else {
		mons.Kick(&admin.Monitor{Admin: s, Target: target}, reason)
	}
	c.replyLater(s, ansi.Colorf(ansi.BrightGreen, "%s has been kicked.", username))
}
