package admin

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/testutil"
)

type fakePipeline struct {
	mu        sync.Mutex
	processed []string
	injected  []byte
	err       error
}

func (f *fakePipeline) ProcessInput(_ context.Context, _ *session.Session, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, line)
	return f.err
}

func (f *fakePipeline) InjectKeystrokes(_ *session.Session, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, data...)
}

func (f *fakePipeline) snapshot() ([]string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processed...), string(f.injected)
}

type fakeCloser struct {
	mu       sync.Mutex
	sessions []*session.Session
	messages []string
}

func (f *fakeCloser) DisconnectLater(s *session.Session, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	f.messages = append(f.messages, message)
}

func newTestSession(username string) (*session.Session, *testutil.FakeConn) {
	conn := testutil.NewFakeConn()
	s := session.New(conn, "> ")
	s.Authenticated = true
	s.User = &session.User{ID: 1, Username: username, Role: "player"}
	return s, conn
}

func newTestManager() (*Manager, *fakePipeline, *fakeCloser) {
	pipeline := &fakePipeline{}
	closer := &fakeCloser{}
	return NewManager(pipeline, closer, zap.NewNop()), pipeline, closer
}

func TestAttachMirrorsOutput(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, adminConn := newTestSession("root")
	target, _ := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)
	require.NotNil(t, mon)
	assert.True(t, target.IsBeingMonitored())

	target.Lock()
	require.NoError(t, target.Output.WriteRaw([]byte("the room is dark\r\n")))
	target.Unlock()

	assert.Contains(t, string(adminConn.Written()), "the room is dark")
}

func TestAttachRejectsSecondMonitor(t *testing.T) {
	mgr, _, _ := newTestManager()
	admin1, _ := newTestSession("root")
	admin2, _ := newTestSession("root2")
	target, _ := newTestSession("alice")

	_, err := mgr.Attach(admin1, target)
	require.NoError(t, err)

	_, err = mgr.Attach(admin2, target)
	assert.ErrorIs(t, err, ErrAlreadyMonitored)
}

func TestDetachRestoresTarget(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, adminConn := newTestSession("root")
	target, targetConn := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)
	mgr.SetInputBlocked(mon, true)
	mgr.SetElevated(mon, true)
	targetConn.Reset()

	require.NoError(t, mgr.Detach(target.ID))

	assert.False(t, target.IsBeingMonitored())
	assert.False(t, target.InputBlocked, "input block must not survive monitoring")
	assert.False(t, target.Elevated, "elevation must not survive monitoring")
	assert.Contains(t, string(targetConn.Written()), "> ", "prompt redrawn after detach")

	// Mirroring has stopped.
	adminConn.Reset()
	target.Lock()
	_ = target.Output.WriteRaw([]byte("after detach"))
	target.Unlock()
	assert.Empty(t, adminConn.Written())
}

func TestDetachWithoutMonitor(t *testing.T) {
	mgr, _, _ := newTestManager()
	assert.ErrorIs(t, mgr.Detach("no-such-session"), ErrNotMonitored)
}

func TestMonitorLookups(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	target, _ := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)

	got, ok := mgr.MonitorOf(target.ID)
	require.True(t, ok)
	assert.Same(t, mon, got)

	got, ok = mgr.MonitorOwnedBy(adminSess.ID)
	require.True(t, ok)
	assert.Same(t, mon, got)

	_, ok = mgr.MonitorOf(adminSess.ID)
	assert.False(t, ok)
	_, ok = mgr.MonitorOwnedBy(target.ID)
	assert.False(t, ok)
}

func TestTargetClosedNotifiesAdmin(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, adminConn := newTestSession("root")
	target, _ := newTestSession("alice")

	_, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)
	adminConn.Reset()

	mgr.TargetClosed(target.ID)

	assert.False(t, target.IsBeingMonitored())
	assert.Contains(t, string(adminConn.Written()), "Monitoring ended: alice disconnected.")

	// Idempotent for unmonitored sessions.
	mgr.TargetClosed(target.ID)
}

func TestAdminClosedDetachesOwnedMonitors(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	otherAdmin, _ := newTestSession("root2")
	target1, _ := newTestSession("alice")
	target2, _ := newTestSession("bob")

	_, err := mgr.Attach(adminSess, target1)
	require.NoError(t, err)
	_, err = mgr.Attach(otherAdmin, target2)
	require.NoError(t, err)

	mgr.AdminClosed(adminSess.ID)

	assert.False(t, target1.IsBeingMonitored())
	assert.True(t, target2.IsBeingMonitored(), "other admins' monitors are untouched")
}

func TestInjectSimulatesKeystrokesWhenUnblocked(t *testing.T) {
	mgr, pipeline, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	target, _ := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)

	mgr.Inject(context.Background(), mon, "look")

	require.Eventually(t, func() bool {
		_, injected := pipeline.snapshot()
		return injected == "look\r"
	}, time.Second, 5*time.Millisecond)
	processed, _ := pipeline.snapshot()
	assert.Empty(t, processed)
}

func TestInjectBypassesPipelineWhenBlocked(t *testing.T) {
	mgr, pipeline, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	target, _ := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)
	mgr.SetInputBlocked(mon, true)

	mgr.Inject(context.Background(), mon, "say behave")

	require.Eventually(t, func() bool {
		processed, _ := pipeline.snapshot()
		return len(processed) == 1 && processed[0] == "say behave"
	}, time.Second, 5*time.Millisecond)
	_, injected := pipeline.snapshot()
	assert.Empty(t, injected)
}

func TestUnblockRedrawsPrompt(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	target, targetConn := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)

	mgr.SetInputBlocked(mon, true)
	assert.True(t, target.InputBlocked)
	targetConn.Reset()

	mgr.SetInputBlocked(mon, false)
	assert.False(t, target.InputBlocked)
	assert.Contains(t, string(targetConn.Written()), "> ")
}

func TestSendBoxedMessage(t *testing.T) {
	mgr, _, _ := newTestManager()
	adminSess, _ := newTestSession("root")
	target, targetConn := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)
	targetConn.Reset()

	require.NoError(t, mgr.SendBoxedMessage(mon, "Server restart in 5 minutes."))

	got := string(targetConn.Written())
	assert.Contains(t, got, "| Server restart in 5 minutes. |")
	assert.Contains(t, got, "+"+strings.Repeat("-", 30)+"+")
}

func TestKickDetachesAndDisconnects(t *testing.T) {
	mgr, _, closer := newTestManager()
	adminSess, _ := newTestSession("root")
	target, _ := newTestSession("alice")

	mon, err := mgr.Attach(adminSess, target)
	require.NoError(t, err)

	mgr.Kick(mon, "spamming")

	assert.False(t, target.IsBeingMonitored())
	assert.True(t, target.DisconnectPending)
	require.Len(t, closer.sessions, 1)
	assert.Same(t, target, closer.sessions[0])
	assert.Contains(t, closer.messages[0], "disconnected by an administrator")
	assert.Contains(t, closer.messages[0], "Reason: spamming")
}

func TestKickWithoutReason(t *testing.T) {
	mgr, _, closer := newTestManager()
	adminSess, _ := newTestSession("root")
	target, _ := newTestSession("alice")

	mgr.Kick(&Monitor{Admin: adminSess, Target: target}, "")

	require.Len(t, closer.messages, 1)
	assert.NotContains(t, closer.messages[0], "Reason:")
}

func TestBoxMessagePadsToWidestLine(t *testing.T) {
	box := BoxMessage("short\na much longer line")

	lines := strings.Split(strings.TrimSpace(box), "\r\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "+"+strings.Repeat("-", 20)+"+", lines[0])
	assert.Equal(t, "| short"+strings.Repeat(" ", 13)+" |", lines[1])
	assert.Equal(t, "| a much longer line |", lines[2])
	assert.Equal(t, lines[0], lines[3])
}

func TestBoxMessageIgnoresANSIInWidth(t *testing.T) {
	colored := ansi.Colorize(ansi.Red, "alert")
	box := BoxMessage(colored + "\nplain")

	for _, line := range strings.Split(strings.TrimSpace(box), "\r\n") {
		assert.Equal(t, 9, len(ansi.StripANSI(line)), "line %q", line)
	}
}

func TestPromptModalApply(t *testing.T) {
	var got string
	cancelled := false
	m := NewPromptModal("Command: ", func(line string) { got = line }, func() { cancelled = true })

	assert.Equal(t, "Command: ", m.Prompt())
	assert.True(t, m.HandleLine("  say hi  "))
	assert.Equal(t, "say hi", got)
	assert.False(t, cancelled)
}

func TestPromptModalCancelWord(t *testing.T) {
	applied := false
	cancelled := false
	m := NewPromptModal("Command: ", func(string) { applied = true }, func() { cancelled = true })

	assert.True(t, m.HandleLine("CANCEL"))
	assert.False(t, applied)
	assert.True(t, cancelled)
}

func TestPromptModalExternalCancel(t *testing.T) {
	cancelled := false
	m := NewPromptModal("Command: ", nil, func() { cancelled = true })

	m.Cancel()
	assert.True(t, cancelled)
}
