package testutil

import (
	"sync"

	"github.com/ellyseum/LEmud-sub000/internal/connection"
)

// FakeConn implements connection.Conn for unit tests, recording everything
// written to it. Safe for concurrent use.
type FakeConn struct {
	mu       sync.Mutex
	written  []byte
	echoed   []byte
	masked   bool
	ended    bool
	handler  connection.Handler
	connType connection.Type
}

// NewFakeConn creates a FakeConn presenting as a Telnet transport.
func NewFakeConn() *FakeConn {
	return &FakeConn{connType: connection.TypeTelnet}
}

func (f *FakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data...)
	return nil
}

func (f *FakeConn) WriteEcho(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data...)
	f.echoed = append(f.echoed, data...)
	return nil
}

func (f *FakeConn) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *FakeConn) Type() connection.Type { return f.connType }

func (f *FakeConn) SetMaskInput(masked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masked = masked
}

func (f *FakeConn) SetHandler(h connection.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeConn) RemoteAddr() string { return "fake:0" }

// Written returns everything written so far, echo included.
func (f *FakeConn) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.written))
	copy(out, f.written)
	return out
}

// Echoed returns only the echo-channel bytes.
func (f *FakeConn) Echoed() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.echoed))
	copy(out, f.echoed)
	return out
}

// Reset clears the recorded output.
func (f *FakeConn) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = f.written[:0]
	f.echoed = f.echoed[:0]
}

// Masked reports the last mask state the server requested.
func (f *FakeConn) Masked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masked
}

// Ended reports whether End was called.
func (f *FakeConn) Ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

// Handler returns the installed event handler.
func (f *FakeConn) Handler() connection.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// FeedInput delivers bytes to the installed handler, as the transport's
// read loop would.
func (f *FakeConn) FeedInput(data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnData(data)
	}
}
