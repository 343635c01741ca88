// Package editor implements the per-session line editor: it turns raw
// keystroke bytes into an edited command line, echoing the edits back to
// the client byte-for-byte. It owns the input buffer, cursor, command
// history, and masked-input policy.
package editor

import (
	"bytes"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
)

// historyCap bounds the command history per session.
const historyCap = 30

// maskChar is echoed in place of real input while masking is enabled.
const maskChar = '*'

// Control bytes recognized by the editor.
const (
	ctrlU     = 0x15
	escape    = 0x1b
	backspace = 0x08
	del       = 0x7f
)

// Result is the outcome of feeding bytes to the editor.
type Result struct {
	// Echo holds the bytes to write back to the client.
	Echo []byte
	// Lines holds completed command lines, in submission order.
	Lines []string
	// Cleared reports that the buffer was explicitly cleared (Ctrl+U),
	// which is a flush trigger for queued output.
	Cleared bool
}

// decodeState tracks progress through a multi-byte key sequence. Input
// arrives unframed, so a sequence may straddle two Feed calls.
type decodeState int

const (
	decText decodeState = iota
	decEsc              // saw ESC
	decCSI              // saw ESC [ — accumulating parameters
	decSS3              // saw ESC O — awaiting final byte
	decBare             // saw a bare [ — may be a cursor key
)

// Editor is a single session's line editor. It is not safe for concurrent
// use; callers hold the session lock.
type Editor struct {
	prompt string
	masked bool

	buffer []byte
	cursor int

	history    []string
	historyIdx int // -1 = not browsing
	savedLine  string

	state     decodeState
	csiParams []byte
	lastCR    bool
}

// New creates an empty Editor with the given prompt.
func New(prompt string) *Editor {
	return &Editor{
		prompt:     prompt,
		historyIdx: -1,
	}
}

// Buffer returns the current input buffer contents.
func (e *Editor) Buffer() string { return string(e.buffer) }

// Cursor returns the current cursor index. Invariant: 0 <= Cursor <= Len.
func (e *Editor) Cursor() int { return e.cursor }

// Len returns the current buffer length.
func (e *Editor) Len() int { return len(e.buffer) }

// Prompt returns the current prompt string.
func (e *Editor) Prompt() string { return e.prompt }

// SetPrompt replaces the prompt used on redraws.
func (e *Editor) SetPrompt(prompt string) { e.prompt = prompt }

// Masked reports whether input masking is enabled.
func (e *Editor) Masked() bool { return e.masked }

// SetMasked toggles input masking. While masked, every echo and redraw
// shows mask characters only, never buffer contents.
func (e *Editor) SetMasked(masked bool) { e.masked = masked }

// History returns a copy of the command history, oldest first.
func (e *Editor) History() []string {
	out := make([]string, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory discards the command history and any browse state.
func (e *Editor) ClearHistory() {
	e.history = nil
	e.historyIdx = -1
	e.savedLine = ""
}

// Feed processes raw input bytes and returns the echo bytes plus any
// completed lines. Partial escape sequences are retained across calls.
func (e *Editor) Feed(data []byte) Result {
	var res Result
	var echo bytes.Buffer

	for _, b := range data {
		switch e.state {
		case decText:
			e.feedText(b, &echo, &res)
		case decEsc:
			switch b {
			case '[':
				e.state = decCSI
				e.csiParams = e.csiParams[:0]
			case 'O':
				e.state = decSS3
			default:
				// Unrecognized escape sequence: dropped silently.
				e.state = decText
			}
		case decCSI:
			if (b >= '0' && b <= '9') || b == ';' {
				e.csiParams = append(e.csiParams, b)
				continue
			}
			e.state = decText
			e.dispatchCSI(string(e.csiParams), b, &echo)
		case decSS3:
			e.state = decText
			if b >= 'A' && b <= 'D' {
				e.arrow(b, &echo)
			}
		case decBare:
			e.state = decText
			if b >= 'A' && b <= 'D' {
				e.arrow(b, &echo)
			} else {
				// Not a cursor key: the bracket was literal text.
				e.insert('[', &echo)
				e.feedText(b, &echo, &res)
			}
		}
	}

	res.Echo = echo.Bytes()
	return res
}

func (e *Editor) feedText(b byte, echo *bytes.Buffer, res *Result) {
	// Swallow the \n of a \r\n pair.
	if b == '\n' && e.lastCR {
		e.lastCR = false
		return
	}
	e.lastCR = b == '\r'

	switch {
	case b == '\r' || b == '\n':
		res.Lines = append(res.Lines, e.completeLine(echo))
	case b == backspace || b == del:
		e.backspace(echo)
	case b == ctrlU:
		e.clearLine(echo)
		res.Cleared = true
	case b == escape:
		e.state = decEsc
	case b == '[':
		e.state = decBare
	case b >= 0x20 && b != del:
		e.insert(b, echo)
	default:
		// Other control bytes are ignored.
	}
}

// dispatchCSI handles a complete CSI sequence. Recognized finals are the
// cursor keys, plain or with the shift modifier; everything else is dropped.
func (e *Editor) dispatchCSI(params string, final byte, echo *bytes.Buffer) {
	if final < 'A' || final > 'D' {
		return
	}
	switch params {
	case "", "1":
		e.arrow(final, echo)
	case "1;2":
		e.shiftArrow(final, echo)
	}
}

// insert places a printable byte at the cursor. Appending at the end is a
// single-character echo; a mid-buffer insert requires a full redraw because
// the wire cannot splice in place.
func (e *Editor) insert(b byte, echo *bytes.Buffer) {
	if e.cursor == len(e.buffer) {
		e.buffer = append(e.buffer, b)
		e.cursor++
		if e.masked {
			echo.WriteByte(maskChar)
		} else {
			echo.WriteByte(b)
		}
		return
	}

	e.buffer = append(e.buffer, 0)
	copy(e.buffer[e.cursor+1:], e.buffer[e.cursor:])
	e.buffer[e.cursor] = b
	e.cursor++
	echo.Write(e.RedrawSequence())
}

// backspace deletes the byte before the cursor. At the end of the buffer a
// single column erase suffices; mid-buffer requires a full redraw. On an
// empty buffer it is a no-op.
func (e *Editor) backspace(echo *bytes.Buffer) {
	if e.cursor == 0 {
		return
	}
	atEnd := e.cursor == len(e.buffer)
	e.buffer = append(e.buffer[:e.cursor-1], e.buffer[e.cursor:]...)
	e.cursor--
	if atEnd {
		echo.WriteString("\b \b")
	} else {
		echo.Write(e.RedrawSequence())
	}
}

// clearLine empties the buffer and redraws a bare prompt.
func (e *Editor) clearLine(echo *bytes.Buffer) {
	e.buffer = e.buffer[:0]
	e.cursor = 0
	echo.Write(e.RedrawSequence())
}

// completeLine finishes the current line: it is returned to the caller,
// recorded in history, and the editor resets for the next line.
func (e *Editor) completeLine(echo *bytes.Buffer) string {
	line := string(e.buffer)
	echo.WriteString("\r\n")

	if line != "" && !e.masked {
		e.pushHistory(line)
	}

	e.buffer = e.buffer[:0]
	e.cursor = 0
	e.historyIdx = -1
	e.savedLine = ""
	return line
}

func (e *Editor) pushHistory(line string) {
	e.history = append(e.history, line)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

// arrow handles a plain cursor key.
func (e *Editor) arrow(final byte, echo *bytes.Buffer) {
	switch final {
	case 'A':
		e.historyUp(echo)
	case 'B':
		e.historyDown(echo)
	case 'C':
		if e.cursor < len(e.buffer) {
			e.cursor++
			echo.WriteString(ansi.CursorRight(1))
		}
	case 'D':
		if e.cursor > 0 {
			e.cursor--
			echo.WriteString(ansi.CursorLeft(1))
		}
	}
}

// shiftArrow handles a shift-modified cursor key: Left/Right jump the
// cursor to the start/end of the line, Up/Down jump to the ends of history.
func (e *Editor) shiftArrow(final byte, echo *bytes.Buffer) {
	switch final {
	case 'A':
		e.historyOldest(echo)
	case 'B':
		e.historyRestore(echo)
	case 'C':
		if n := len(e.buffer) - e.cursor; n > 0 {
			e.cursor = len(e.buffer)
			echo.WriteString(ansi.CursorRight(n))
		}
	case 'D':
		if e.cursor > 0 {
			echo.WriteString(ansi.CursorLeft(e.cursor))
			e.cursor = 0
		}
	}
}

// historyUp walks one entry back. The first press saves the in-progress
// line; walking past the oldest entry keeps showing the oldest entry.
func (e *Editor) historyUp(echo *bytes.Buffer) {
	if len(e.history) == 0 {
		return
	}
	if e.historyIdx == -1 {
		e.savedLine = string(e.buffer)
		e.historyIdx = len(e.history) - 1
	} else if e.historyIdx > 0 {
		e.historyIdx--
	}
	e.loadLine(e.history[e.historyIdx], echo)
}

// historyDown walks one entry forward; past the newest entry it restores
// the saved in-progress line and leaves browse mode.
func (e *Editor) historyDown(echo *bytes.Buffer) {
	if e.historyIdx == -1 {
		return
	}
	e.historyIdx++
	if e.historyIdx >= len(e.history) {
		e.historyRestore(echo)
		return
	}
	e.loadLine(e.history[e.historyIdx], echo)
}

// historyOldest jumps straight to the oldest entry.
func (e *Editor) historyOldest(echo *bytes.Buffer) {
	if len(e.history) == 0 {
		return
	}
	if e.historyIdx == -1 {
		e.savedLine = string(e.buffer)
	}
	e.historyIdx = 0
	e.loadLine(e.history[0], echo)
}

// historyRestore leaves browse mode, restoring the pre-browse line.
func (e *Editor) historyRestore(echo *bytes.Buffer) {
	if e.historyIdx == -1 {
		return
	}
	e.historyIdx = -1
	e.loadLine(e.savedLine, echo)
	e.savedLine = ""
}

func (e *Editor) loadLine(line string, echo *bytes.Buffer) {
	e.buffer = append(e.buffer[:0], line...)
	e.cursor = len(e.buffer)
	echo.Write(e.RedrawSequence())
}

// RedrawSequence returns the bytes that clear the current line and repaint
// prompt plus buffer, leaving the terminal cursor at the editor cursor.
// While masked, the buffer is painted as mask characters.
func (e *Editor) RedrawSequence() []byte {
	var out bytes.Buffer
	out.WriteString(ansi.CarriageReturn)
	out.WriteString(ansi.ClearToEOL)
	out.WriteString(e.prompt)
	if e.masked {
		out.Write(bytes.Repeat([]byte{maskChar}, len(e.buffer)))
	} else {
		out.Write(e.buffer)
	}
	if n := len(e.buffer) - e.cursor; n > 0 {
		out.WriteString(ansi.CursorLeft(n))
	}
	return out.Bytes()
}

// ClearLineSequence returns the bytes that blank the current terminal line
// without touching editor state. The output coordinator uses it before
// writing queued messages.
func (e *Editor) ClearLineSequence() []byte {
	return []byte(ansi.CarriageReturn + ansi.ClearToEOL)
}
