// Package telnet provides a character-mode Telnet connection adapter.
// All IAC negotiation is absorbed here; upper layers receive only
// printable and control bytes.
package telnet

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ellyseum/LEmud-sub000/internal/connection"
)

// Telnet IAC (Interpret As Command) constants per RFC 854.
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Sub-negotiation Begin
	SE   byte = 240 // Sub-negotiation End
	NOP  byte = 241
	GA   byte = 249 // Go Ahead

	// Telnet options
	OptEcho            byte = 1
	OptSuppressGoAhead byte = 3
	OptLinemode        byte = 34
)

// filterState tracks progress through an IAC sequence across reads.
// Telnet input is unframed, so a sequence may straddle two Read calls.
type filterState int

const (
	stateText filterState = iota
	stateIAC              // saw IAC, awaiting command byte
	stateOpt              // saw IAC WILL/WONT/DO/DONT, awaiting option byte
	stateSB               // inside sub-negotiation, awaiting IAC SE
	stateSBIAC            // inside sub-negotiation, saw IAC
)

// Conn wraps a TCP connection with character-at-a-time Telnet handling.
// It implements connection.Conn.
type Conn struct {
	raw     net.Conn
	writeMu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	handler connection.Handler
	masked  bool
	closed  bool

	// IAC filter state, owned by the read loop goroutine.
	fstate filterState
}

var _ connection.Conn = (*Conn)(nil)

// NewConn wraps a raw TCP connection with Telnet protocol handling.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for negotiation and reading.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Negotiate sends the initial Telnet option negotiations for
// character-at-a-time operation: the server echoes, suppresses go-ahead,
// and refuses client line mode.
//
// Postcondition: Negotiation bytes are written to the connection.
func (c *Conn) Negotiate() error {
	negotiations := []byte{
		IAC, WILL, OptEcho,
		IAC, WILL, OptSuppressGoAhead,
		IAC, DONT, OptLinemode,
	}
	return c.Write(negotiations)
}

// SetHandler installs the event handler for input data and lifecycle events.
//
// Precondition: must be called before ReadLoop.
func (c *Conn) SetHandler(h connection.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// ReadLoop pumps filtered input bytes to the handler until the connection
// ends. It blocks, so callers run it on a dedicated goroutine.
//
// Precondition: a handler must be installed.
// Postcondition: exactly one of OnEnd or OnError has been invoked.
func (c *Conn) ReadLoop() {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	buf := make([]byte, 1024)
	for {
		if c.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		n, err := c.raw.Read(buf)
		if n > 0 {
			if data := c.filterIAC(buf[:n]); len(data) > 0 {
				h.OnData(data)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				h.OnEnd()
			} else {
				h.OnError(err)
			}
			return
		}
	}
}

// filterIAC strips Telnet IAC sequences from input, preserving state across
// calls so sequences split between reads are still consumed.
//
// Postcondition: Returns input with all IAC sequences removed.
func (c *Conn) filterIAC(input []byte) []byte {
	result := make([]byte, 0, len(input))
	for _, b := range input {
		switch c.fstate {
		case stateText:
			if b == IAC {
				c.fstate = stateIAC
				continue
			}
			result = append(result, b)
		case stateIAC:
			switch b {
			case WILL, WONT, DO, DONT:
				c.fstate = stateOpt
			case SB:
				c.fstate = stateSB
			case IAC:
				// Escaped 0xFF — drop in text context
				c.fstate = stateText
			default:
				// NOP, GA, and other bare commands
				c.fstate = stateText
			}
		case stateOpt:
			c.fstate = stateText
		case stateSB:
			if b == IAC {
				c.fstate = stateSBIAC
			}
		case stateSBIAC:
			if b == SE {
				c.fstate = stateText
			} else {
				c.fstate = stateSB
			}
		}
	}
	return result
}

// Write sends raw bytes to the client.
//
// Postcondition: The data is written to the connection.
func (c *Conn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(data)
	return err
}

// WriteEcho sends input-echo bytes. Telnet carries echo on the same byte
// stream as output.
func (c *Conn) WriteEcho(data []byte) error {
	return c.Write(data)
}

// End closes the underlying TCP connection. Safe to call more than once.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}

// Type reports the transport type.
func (c *Conn) Type() connection.Type {
	return connection.TypeTelnet
}

// SetMaskInput records the masking flag. Telnet clients do not echo in this
// negotiation mode, so masking is enforced by the line editor's echo policy;
// the flag is kept for symmetry with the WebSocket adapter.
func (c *Conn) SetMaskInput(masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked = masked
}

// MaskInput reports the current masking flag.
func (c *Conn) MaskInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// FilterIAC removes Telnet IAC sequences from a complete input buffer.
// This is a pure function useful for testing and protocol parsing.
//
// Postcondition: Returns input with all IAC sequences removed.
func FilterIAC(input []byte) []byte {
	c := &Conn{}
	return c.filterIAC(input)
}
