// Package output implements per-session output coordination: asynchronous
// messages are queued while the user is mid-line, flushed in order on line
// completion, and mirrored byte-identically to an attached monitor sink.
package output

import (
	"github.com/ellyseum/LEmud-sub000/internal/connection"
	"github.com/ellyseum/LEmud-sub000/internal/editor"
)

// Class categorizes an outbound message for queueing purposes.
type Class int

const (
	// ClassStandard messages defer to an in-progress command line.
	ClassStandard Class = iota
	// ClassTransient messages are time-sensitive: they always clear the
	// line, write immediately, and redraw, to avoid duplicate prompts
	// under bursty output.
	ClassTransient
)

// Sink observes the outbound byte stream of a session. An attached monitor
// sees exactly the bytes the player sees.
type Sink interface {
	MirrorOutput(data []byte)
}

// Coordinator serializes outbound writes for one session relative to the
// session's in-progress typing. It is not safe for concurrent use; callers
// hold the session lock.
type Coordinator struct {
	conn connection.Conn
	ed   *editor.Editor

	queue  []string
	typing bool
	sinks  []Sink
}

// NewCoordinator creates a Coordinator bound to a connection and its editor.
//
// Precondition: conn and ed must be non-nil.
func NewCoordinator(conn connection.Conn, ed *editor.Editor) *Coordinator {
	return &Coordinator{conn: conn, ed: ed}
}

// SetTyping records whether the user is actively composing a line.
func (c *Coordinator) SetTyping(typing bool) { c.typing = typing }

// Typing reports the typing flag.
func (c *Coordinator) Typing() bool { return c.typing }

// QueueLen returns the number of messages waiting for a flush.
func (c *Coordinator) QueueLen() int { return len(c.queue) }

// AttachSink adds a mirror sink to the observer chain.
func (c *Coordinator) AttachSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

// DetachSink removes a previously attached sink. Unknown sinks are ignored.
func (c *Coordinator) DetachSink(s Sink) {
	for i, existing := range c.sinks {
		if existing == s {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			return
		}
	}
}

// Send delivers an outbound message. While the user is typing with a
// non-empty buffer, deferrable messages are queued FIFO; transient messages
// force an immediate clear, write, and redraw.
//
// Postcondition: msg is either on the wire or queued; submission order is
// preserved within each path.
func (c *Coordinator) Send(msg string, class Class) error {
	if c.typing && c.ed.Len() > 0 && class != ClassTransient {
		c.queue = append(c.queue, msg)
		return nil
	}
	return c.writeNow(msg)
}

// Flush clears the current input line, writes all queued messages in
// order, then redraws the prompt plus any still-present partial input.
// Called on line completion and explicit buffer clear.
func (c *Coordinator) Flush() error {
	if len(c.queue) == 0 {
		return nil
	}
	if err := c.write(c.ed.ClearLineSequence()); err != nil {
		return err
	}
	for _, msg := range c.queue {
		if err := c.write([]byte(msg + "\r\n")); err != nil {
			return err
		}
	}
	c.queue = c.queue[:0]
	return c.write(c.ed.RedrawSequence())
}

// writeNow performs an immediate clear + write + redraw.
func (c *Coordinator) writeNow(msg string) error {
	if err := c.write(c.ed.ClearLineSequence()); err != nil {
		return err
	}
	if err := c.write([]byte(msg + "\r\n")); err != nil {
		return err
	}
	return c.write(c.ed.RedrawSequence())
}

// WriteRaw writes bytes directly, bypassing the queue. Used for prompt
// redraws and banners that are already cursor-safe.
func (c *Coordinator) WriteRaw(data []byte) error {
	return c.write(data)
}

// WriteEcho writes editor echo bytes. Echo is mirrored to sinks so a
// monitor sees the player's keystrokes render exactly as the player does.
func (c *Coordinator) WriteEcho(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mirror(data)
	return c.conn.WriteEcho(data)
}

func (c *Coordinator) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mirror(data)
	return c.conn.Write(data)
}

func (c *Coordinator) mirror(data []byte) {
	for _, s := range c.sinks {
		s.MirrorOutput(data)
	}
}
