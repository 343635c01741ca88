package output

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellyseum/LEmud-sub000/internal/editor"
	"github.com/ellyseum/LEmud-sub000/internal/testutil"
)

func newCoordinator() (*Coordinator, *testutil.FakeConn, *editor.Editor) {
	conn := testutil.NewFakeConn()
	ed := editor.New("> ")
	return NewCoordinator(conn, ed), conn, ed
}

func TestSendWritesImmediatelyWhenNotTyping(t *testing.T) {
	c, conn, _ := newCoordinator()
	require.NoError(t, c.Send("hello", ClassStandard))
	out := string(conn.Written())
	assert.Contains(t, out, "hello\r\n")
	assert.Zero(t, c.QueueLen())
}

func TestSendQueuesWhileTypingWithPartialLine(t *testing.T) {
	c, conn, ed := newCoordinator()
	ed.Feed([]byte("loo"))
	c.SetTyping(true)

	require.NoError(t, c.Send("someone arrives", ClassStandard))
	assert.Equal(t, 1, c.QueueLen())
	assert.NotContains(t, string(conn.Written()), "someone arrives")
}

func TestSendImmediateWhileTypingEmptyBuffer(t *testing.T) {
	c, conn, _ := newCoordinator()
	c.SetTyping(true)

	require.NoError(t, c.Send("tick", ClassStandard))
	assert.Zero(t, c.QueueLen())
	assert.Contains(t, string(conn.Written()), "tick\r\n")
}

func TestTransientBypassesQueue(t *testing.T) {
	c, conn, ed := newCoordinator()
	ed.Feed([]byte("loo"))
	c.SetTyping(true)

	require.NoError(t, c.Send("SERVER SHUTDOWN", ClassTransient))
	assert.Zero(t, c.QueueLen())
	out := string(conn.Written())
	assert.Contains(t, out, "SERVER SHUTDOWN\r\n")
	// The partial line is repainted after the interruption.
	assert.Contains(t, out, "> loo")
}

func TestFlushPreservesSubmissionOrder(t *testing.T) {
	c, conn, ed := newCoordinator()
	ed.Feed([]byte("loo"))
	c.SetTyping(true)

	require.NoError(t, c.Send("first", ClassStandard))
	require.NoError(t, c.Send("second", ClassStandard))
	require.NoError(t, c.Send("third", ClassStandard))
	require.Equal(t, 3, c.QueueLen())

	c.SetTyping(false)
	require.NoError(t, c.Flush())
	assert.Zero(t, c.QueueLen())

	out := string(conn.Written())
	i1 := strings.Index(out, "first")
	i2 := strings.Index(out, "second")
	i3 := strings.Index(out, "third")
	require.NotEqual(t, -1, i1)
	require.NotEqual(t, -1, i2)
	require.NotEqual(t, -1, i3)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
}

func TestQueuedMessagesNeverInterleaveMidLine(t *testing.T) {
	c, conn, ed := newCoordinator()
	res := ed.Feed([]byte("say hel"))
	_ = c.WriteEcho(res.Echo)
	c.SetTyping(true)

	require.NoError(t, c.Send("intruder", ClassStandard))

	// Everything on the wire so far is the user's own typing: the queued
	// message must not appear inside the partial line.
	assert.Equal(t, "say hel", string(conn.Written()))
}

func TestFlushOnEmptyQueueWritesNothing(t *testing.T) {
	c, conn, _ := newCoordinator()
	require.NoError(t, c.Flush())
	assert.Empty(t, conn.Written())
}

type recordingSink struct {
	data []byte
}

func (r *recordingSink) MirrorOutput(data []byte) {
	r.data = append(r.data, data...)
}

func TestSinkSeesExactBytes(t *testing.T) {
	c, conn, _ := newCoordinator()
	sink := &recordingSink{}
	c.AttachSink(sink)

	require.NoError(t, c.Send("mirrored", ClassStandard))
	assert.Equal(t, conn.Written(), sink.data)
}

func TestSinkSeesEcho(t *testing.T) {
	c, conn, ed := newCoordinator()
	sink := &recordingSink{}
	c.AttachSink(sink)

	res := ed.Feed([]byte("abc"))
	require.NoError(t, c.WriteEcho(res.Echo))
	assert.Equal(t, "abc", string(sink.data))
	assert.Equal(t, conn.Written(), sink.data)
}

func TestDetachSinkStopsMirroring(t *testing.T) {
	c, _, _ := newCoordinator()
	sink := &recordingSink{}
	c.AttachSink(sink)
	require.NoError(t, c.Send("one", ClassStandard))
	before := len(sink.data)

	c.DetachSink(sink)
	require.NoError(t, c.Send("two", ClassStandard))
	assert.Equal(t, before, len(sink.data))
}

func TestDetachUnknownSinkIsNoOp(t *testing.T) {
	c, _, _ := newCoordinator()
	c.DetachSink(&recordingSink{})
}
