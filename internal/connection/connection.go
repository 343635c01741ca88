// Package connection defines the transport-neutral contract between a raw
// client connection and the session engine. Adapters (Telnet, WebSocket)
// absorb all protocol negotiation internally; the engine only ever sees
// printable and control bytes.
package connection

// Type identifies the underlying transport of an adapter. The line editor's
// redraw strategy differs by transport, so sessions must be able to ask.
type Type string

const (
	TypeTelnet    Type = "telnet"
	TypeWebSocket Type = "websocket"
)

// Handler receives events from a connection adapter. All callbacks are
// invoked from the adapter's read goroutine, one at a time.
type Handler interface {
	// OnData delivers filtered input bytes. Negotiation bytes never appear here.
	OnData(data []byte)
	// OnEnd signals that the peer closed the connection cleanly.
	OnEnd()
	// OnError signals a transport failure. The connection is unusable afterwards.
	OnError(err error)
}

// Conn is the uniform byte/event interface over a raw transport.
type Conn interface {
	// Write sends raw output bytes to the client.
	Write(data []byte) error
	// WriteEcho sends input-echo bytes. On Telnet this is identical to
	// Write; message-based transports carry echo in a distinct frame type.
	WriteEcho(data []byte) error
	// End closes the connection. Safe to call more than once.
	End() error
	// Type reports the underlying transport.
	Type() Type
	// SetMaskInput toggles client-side input masking where the transport
	// supports it. Telnet adapters are server-echo so this is advisory;
	// WebSocket adapters forward it as a mask control frame.
	SetMaskInput(masked bool)
	// SetHandler installs the event handler. Must be called before the
	// adapter's read loop is started.
	SetHandler(h Handler)
	// RemoteAddr returns a printable peer address for logging.
	RemoteAddr() string
}

// HandlerFuncs adapts plain functions to the Handler interface. Nil fields
// are ignored.
type HandlerFuncs struct {
	DataFn  func(data []byte)
	EndFn   func()
	ErrorFn func(err error)
}

func (h HandlerFuncs) OnData(data []byte) {
	if h.DataFn != nil {
		h.DataFn(data)
	}
}

func (h HandlerFuncs) OnEnd() {
	if h.EndFn != nil {
		h.EndFn()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.ErrorFn != nil {
		h.ErrorFn(err)
	}
}
