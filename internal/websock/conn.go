// Package websock provides a WebSocket connection adapter speaking the
// LEmud browser-client message protocol. Outbound frames carry type
// "output", "echo", or "mask"; inbound frames carry "input", "keypress",
// or "special". The frame shapes are part of the client contract and must
// not change.
package websock

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ellyseum/LEmud-sub000/internal/connection"
)

// OutboundMessage is the wire shape of a server-to-client frame.
type OutboundMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// InboundMessage is the wire shape of a client-to-server frame.
type InboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Key  string `json:"key,omitempty"`
}

// specialKeys maps the client's named special keys onto the escape
// sequences the line editor recognizes, so both transports feed the
// editor a single input language.
var specialKeys = map[string]string{
	"up":          "\x1b[A",
	"down":        "\x1b[B",
	"right":       "\x1b[C",
	"left":        "\x1b[D",
	"shift+up":    "\x1b[1;2A",
	"shift+down":  "\x1b[1;2B",
	"shift+right": "\x1b[1;2C",
	"shift+left":  "\x1b[1;2D",
	"enter":       "\r",
	"backspace":   "\x7f",
}

// Conn adapts a gorilla WebSocket connection to connection.Conn.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	writeTimeout time.Duration

	mu      sync.Mutex
	handler connection.Handler
	closed  bool
}

var _ connection.Conn = (*Conn)(nil)

// NewConn wraps an upgraded WebSocket connection.
//
// Precondition: ws must be a live, upgraded connection.
func NewConn(ws *websocket.Conn, readLimit int64, writeTimeout time.Duration) *Conn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// SetHandler installs the event handler for input data and lifecycle events.
//
// Precondition: must be called before ReadLoop.
func (c *Conn) SetHandler(h connection.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// ReadLoop pumps decoded input bytes to the handler until the connection
// ends. It blocks, so callers run it on a dedicated goroutine.
//
// Postcondition: exactly one of OnEnd or OnError has been invoked.
func (c *Conn) ReadLoop() {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnEnd()
			} else {
				h.OnError(err)
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed frames are a protocol error: dropped, never fatal.
			continue
		}
		if data := decodeInbound(msg); len(data) > 0 {
			h.OnData(data)
		}
	}
}

// decodeInbound translates an inbound frame into raw editor input bytes.
// Unknown frame types and unknown special keys decode to nothing.
func decodeInbound(msg InboundMessage) []byte {
	switch msg.Type {
	case "input":
		// A complete line: terminate it so the editor emits it.
		return append([]byte(msg.Data), '\r')
	case "keypress":
		return []byte(msg.Key)
	case "special":
		if seq, ok := specialKeys[msg.Key]; ok {
			return []byte(seq)
		}
	}
	return nil
}

// Write sends an output frame to the client.
func (c *Conn) Write(data []byte) error {
	return c.writeFrame(OutboundMessage{Type: "output", Data: string(data)})
}

// WriteEcho sends an echo frame to the client.
func (c *Conn) WriteEcho(data []byte) error {
	return c.writeFrame(OutboundMessage{Type: "echo", Data: string(data)})
}

// SetMaskInput informs the client to mask (or unmask) its input display.
func (c *Conn) SetMaskInput(masked bool) {
	_ = c.writeFrame(OutboundMessage{Type: "mask", Enabled: masked})
}

func (c *Conn) writeFrame(msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// End closes the WebSocket connection. Safe to call more than once.
func (c *Conn) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Type reports the transport type.
func (c *Conn) Type() connection.Type {
	return connection.TypeWebSocket
}

// RemoteAddr returns a printable peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
