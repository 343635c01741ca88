package state

import (
	"context"

	"github.com/ellyseum/LEmud-sub000/internal/content"
	"github.com/ellyseum/LEmud-sub000/internal/session"
)

// Connecting shows the welcome banner and immediately advances to LOGIN.
type Connecting struct {
	screens *content.Screens
}

// NewConnecting creates the CONNECTING handler.
//
// Precondition: screens must be non-nil.
func NewConnecting(screens *content.Screens) *Connecting {
	return &Connecting{screens: screens}
}

func (c *Connecting) Name() session.StateName { return session.StateConnecting }

// Enter writes the banner and auto-advances to LOGIN.
func (c *Connecting) Enter(s *session.Session) {
	_ = s.Output.WriteRaw([]byte(c.screens.Banner))
	request(s, session.StateLogin)
}

// Handle never runs in practice because Enter auto-advances, but a line
// arriving anyway is simply re-routed to LOGIN.
func (c *Connecting) Handle(_ context.Context, s *session.Session, _ string) error {
	request(s, session.StateLogin)
	return nil
}
