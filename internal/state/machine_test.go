package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/content"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
	"github.com/ellyseum/LEmud-sub000/internal/testutil"
)

type fakeUsers struct {
	accounts  map[string]postgres.Account
	passwords map[string]string
	nextID    int64
	err       error

	lastLoginFor []int64
	passwordFor  []int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		accounts:  make(map[string]postgres.Account),
		passwords: make(map[string]string),
	}
}

func (f *fakeUsers) add(username, password string) postgres.Account {
	f.nextID++
	acct := postgres.Account{ID: f.nextID, Username: username, Role: postgres.RolePlayer}
	f.accounts[username] = acct
	f.passwords[username] = password
	return acct
}

func (f *fakeUsers) Authenticate(_ context.Context, username, password string) (postgres.Account, error) {
	if f.err != nil {
		return postgres.Account{}, f.err
	}
	acct, ok := f.accounts[username]
	if !ok {
		return postgres.Account{}, postgres.ErrAccountNotFound
	}
	if f.passwords[username] != password {
		return postgres.Account{}, postgres.ErrInvalidCredentials
	}
	return acct, nil
}

func (f *fakeUsers) Exists(_ context.Context, username string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.accounts[username]
	return ok, nil
}

func (f *fakeUsers) CreateWithHash(_ context.Context, username, hash string) (postgres.Account, error) {
	if f.err != nil {
		return postgres.Account{}, f.err
	}
	if _, ok := f.accounts[username]; ok {
		return postgres.Account{}, postgres.ErrAccountExists
	}
	f.nextID++
	acct := postgres.Account{ID: f.nextID, Username: username, PasswordHash: hash, Role: postgres.RolePlayer}
	f.accounts[username] = acct
	return acct, nil
}

func (f *fakeUsers) UpdateLastLogin(_ context.Context, accountID int64, _ time.Time) error {
	f.lastLoginFor = append(f.lastLoginFor, accountID)
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, accountID int64, _ string) error {
	f.passwordFor = append(f.passwordFor, accountID)
	return nil
}

type fakeCloser struct {
	sessions []*session.Session
	messages []string
}

func (f *fakeCloser) DisconnectLater(s *session.Session, message string) {
	f.sessions = append(f.sessions, s)
	f.messages = append(f.messages, message)
}

type fakeTransfer struct {
	err        error
	calls      int
	username   string
	existingID string
}

func (f *fakeTransfer) Takeover(_ context.Context, newSess *session.Session, username, existingID string) error {
	f.calls++
	f.username = username
	f.existingID = existingID
	if f.err != nil {
		return f.err
	}
	newSess.User = &session.User{ID: 1, Username: username, Role: postgres.RolePlayer}
	return nil
}

type fakeCommands struct {
	lines []string
	err   error
}

func (f *fakeCommands) HandleCommand(_ context.Context, _ *session.Session, line string) error {
	f.lines = append(f.lines, line)
	return f.err
}

type harness struct {
	machine  *Machine
	users    *fakeUsers
	closer   *fakeCloser
	transfer *fakeTransfer
	commands *fakeCommands
	registry *session.Registry
	conn     *testutil.FakeConn
	sess     *session.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	auth := config.AuthConfig{
		MaxPasswordAttempts: 3,
		MinUsernameLen:      3,
		MaxUsernameLen:      16,
		MinPasswordLen:      6,
		DisconnectDelay:     time.Millisecond,
	}
	logger := zap.NewNop()
	screens := content.DefaultScreens()

	h := &harness{
		machine:  NewMachine(logger),
		users:    newFakeUsers(),
		closer:   &fakeCloser{},
		transfer: &fakeTransfer{},
		commands: &fakeCommands{},
		registry: session.NewRegistry(),
		conn:     testutil.NewFakeConn(),
	}
	h.sess = session.New(h.conn, "")
	h.registry.Add(h.sess)

	h.machine.Register(NewConnecting(screens))
	h.machine.Register(NewLogin(h.users, h.registry, auth, h.closer, logger))
	h.machine.Register(NewSignup(h.users, auth, logger))
	h.machine.Register(NewConfirmation(h.users, h.registry, logger))
	h.machine.Register(NewAuthenticated(h.commands, nil, screens, logger))
	h.machine.Register(NewTransferRequest(h.transfer, logger))
	return h
}

// start runs the CONNECTING entry, which auto-advances to LOGIN.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.machine.Transition(h.sess, session.StateConnecting)
	require.Equal(t, session.StateLogin, h.sess.State)
	h.conn.Reset()
}

func (h *harness) dispatch(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, h.machine.Dispatch(context.Background(), h.sess, line))
}

func (h *harness) written() string { return string(h.conn.Written()) }

func TestConnectingShowsBannerAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.machine.Transition(h.sess, session.StateConnecting)

	assert.Equal(t, session.StateLogin, h.sess.State)
	assert.Contains(t, h.written(), "Welcome to LEmud.")
	assert.Contains(t, h.written(), "Username: ")
}

func TestLoginUnknownUsername(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dispatch(t, "ghost")

	assert.Equal(t, session.StateLogin, h.sess.State)
	ld := h.sess.Data.(*session.LoginData)
	assert.False(t, ld.AwaitingPassword)
	assert.Contains(t, h.written(), "No such user")
}

func TestLoginInvalidUsernameRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for _, bad := range []string{"ab", "has space", "wa/y", strings.Repeat("x", 17)} {
		h.conn.Reset()
		h.dispatch(t, bad)
		assert.Contains(t, h.written(), "Usernames are", "input %q", bad)
		assert.Equal(t, session.StateLogin, h.sess.State)
	}
}

func TestLoginEmptyLineReprompts(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dispatch(t, "   ")

	assert.Equal(t, session.StateLogin, h.sess.State)
	assert.Contains(t, h.written(), "Username: ")
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t)
	acct := h.users.add("alice", "secret123")
	h.start(t)

	h.dispatch(t, "alice")
	ld := h.sess.Data.(*session.LoginData)
	assert.True(t, ld.AwaitingPassword)
	assert.True(t, h.conn.Masked(), "password entry must be masked")
	assert.Contains(t, h.written(), "Password: ")

	h.conn.Reset()
	h.dispatch(t, "secret123")

	assert.Equal(t, session.StateAuthenticated, h.sess.State)
	assert.True(t, h.sess.Authenticated)
	require.NotNil(t, h.sess.User)
	assert.Equal(t, "alice", h.sess.User.Username)
	assert.False(t, h.conn.Masked())
	assert.Contains(t, h.written(), "Message of the day")
	assert.Equal(t, []int64{acct.ID}, h.users.lastLoginFor)
}

func TestLoginTooManyPasswordFailures(t *testing.T) {
	h := newHarness(t)
	h.users.add("alice", "secret123")
	h.start(t)
	h.dispatch(t, "alice")

	h.dispatch(t, "wrong1")
	h.dispatch(t, "wrong2")
	assert.Contains(t, h.written(), "Invalid password.")
	assert.False(t, h.sess.DisconnectPending)
	assert.Empty(t, h.closer.sessions)

	h.dispatch(t, "wrong3")
	assert.True(t, h.sess.DisconnectPending)
	require.Len(t, h.closer.sessions, 1)
	assert.Same(t, h.sess, h.closer.sessions[0])
	assert.Contains(t, h.closer.messages[0], "Too many failed attempts")
}

func TestNewAtUsernamePromptEntersSignup(t *testing.T) {
	for _, input := range []string{"new", "NEW", "  New  "} {
		h := newHarness(t)
		h.start(t)

		h.dispatch(t, input)

		assert.Equal(t, session.StateSignup, h.sess.State, "input %q", input)
		assert.Contains(t, h.written(), "Choose a username: ")
	}
}

func TestNewAtPasswordPromptIsJustAPassword(t *testing.T) {
	h := newHarness(t)
	h.users.add("alice", "secret123")
	h.start(t)
	h.dispatch(t, "alice")

	h.dispatch(t, "new")

	assert.Equal(t, session.StateLogin, h.sess.State)
	ld := h.sess.Data.(*session.LoginData)
	assert.True(t, ld.AwaitingPassword)
	assert.Equal(t, 1, ld.Attempts)
	assert.Contains(t, h.written(), "Invalid password.")
}

func TestSignupFlowCreatesAccount(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.dispatch(t, "new")

	h.dispatch(t, "bob")
	sd := h.sess.Data.(*session.SignupData)
	assert.True(t, sd.AwaitingPassword)
	assert.True(t, h.conn.Masked())

	h.dispatch(t, "hunter42")
	require.Equal(t, session.StateConfirmation, h.sess.State)
	cd := h.sess.Data.(*session.ConfirmationData)
	assert.Equal(t, "bob", cd.Username)
	assert.NotEqual(t, "hunter42", cd.PasswordHash, "plaintext must not be carried")
	assert.True(t, postgres.CheckPassword("hunter42", cd.PasswordHash))

	h.conn.Reset()
	h.dispatch(t, "hunter42")

	assert.Equal(t, session.StateAuthenticated, h.sess.State)
	require.NotNil(t, h.sess.User)
	assert.Equal(t, "bob", h.sess.User.Username)
	assert.False(t, h.conn.Masked())
	assert.Contains(t, h.written(), "Welcome, bob!")
	_, exists := h.users.accounts["bob"]
	assert.True(t, exists)
}

func TestSignupRejectsShortPassword(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.dispatch(t, "new")
	h.dispatch(t, "bob")

	h.dispatch(t, "abc")

	assert.Equal(t, session.StateSignup, h.sess.State)
	assert.Contains(t, h.written(), "at least 6 characters")
	sd := h.sess.Data.(*session.SignupData)
	assert.True(t, sd.AwaitingPassword)
}

func TestSignupRejectsTakenUsername(t *testing.T) {
	h := newHarness(t)
	h.users.add("alice", "secret123")
	h.start(t)
	h.dispatch(t, "new")

	h.dispatch(t, "alice")

	assert.Equal(t, session.StateSignup, h.sess.State)
	assert.Contains(t, h.written(), "already taken")
	sd := h.sess.Data.(*session.SignupData)
	assert.False(t, sd.AwaitingPassword)
}

func TestSignupCancelReturnsToLogin(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.dispatch(t, "new")

	h.dispatch(t, "cancel")

	assert.Equal(t, session.StateLogin, h.sess.State)
	assert.Contains(t, h.written(), "Username: ")
}

func TestConfirmationMismatchReturnsToSignupPassword(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.dispatch(t, "new")
	h.dispatch(t, "bob")
	h.dispatch(t, "hunter42")
	require.Equal(t, session.StateConfirmation, h.sess.State)

	h.conn.Reset()
	h.dispatch(t, "different")

	assert.Equal(t, session.StateSignup, h.sess.State)
	sd := h.sess.Data.(*session.SignupData)
	assert.Equal(t, "bob", sd.Username)
	assert.True(t, sd.AwaitingPassword, "mismatch returns to the password step, not the username step")
	assert.Contains(t, h.written(), "Passwords do not match")
	assert.Contains(t, h.written(), "Choose a password: ")
}

func loginToTransferPrompt(t *testing.T, h *harness) *session.Session {
	t.Helper()

	existing := session.New(testutil.NewFakeConn(), "")
	existing.Authenticated = true
	existing.User = &session.User{ID: 1, Username: "alice", Role: postgres.RolePlayer}
	h.registry.Add(existing)
	h.registry.Bind(existing, "alice")
	h.users.add("alice", "secret123")

	h.start(t)
	h.dispatch(t, "alice")
	h.dispatch(t, "secret123")
	require.Equal(t, session.StateTransferRequest, h.sess.State)

	td := h.sess.Data.(*session.TransferData)
	require.Equal(t, "alice", td.Username)
	require.Equal(t, existing.ID, td.ExistingSessionID)
	return existing
}

func TestTransferRequestYes(t *testing.T) {
	h := newHarness(t)
	existing := loginToTransferPrompt(t, h)
	assert.Contains(t, h.written(), "already connected")

	h.dispatch(t, "yes")

	assert.Equal(t, 1, h.transfer.calls)
	assert.Equal(t, "alice", h.transfer.username)
	assert.Equal(t, existing.ID, h.transfer.existingID)
	assert.Equal(t, session.StateAuthenticated, h.sess.State)
	require.NotNil(t, h.sess.User)
	assert.Equal(t, "alice", h.sess.User.Username)
}

func TestTransferRequestNo(t *testing.T) {
	h := newHarness(t)
	loginToTransferPrompt(t, h)

	h.dispatch(t, "no")

	assert.Equal(t, 0, h.transfer.calls)
	assert.Equal(t, session.StateLogin, h.sess.State)
	assert.Contains(t, h.written(), "Username: ")
}

func TestTransferRequestRepromptsOnGarbage(t *testing.T) {
	h := newHarness(t)
	loginToTransferPrompt(t, h)
	h.conn.Reset()

	h.dispatch(t, "maybe")

	assert.Equal(t, session.StateTransferRequest, h.sess.State)
	assert.Equal(t, 0, h.transfer.calls)
	assert.Contains(t, h.written(), "(yes/no)")
}

func TestForcedTransitionConsumedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.User = &session.User{ID: 7, Username: "alice", Role: postgres.RolePlayer}
	to := session.StateAuthenticated
	h.sess.ForcedTransition = &to

	h.dispatch(t, "look")

	assert.Nil(t, h.sess.ForcedTransition)
	assert.Equal(t, session.StateAuthenticated, h.sess.State)
	assert.Equal(t, []string{"look"}, h.commands.lines)
}

func TestTransitionDiscardsForeignPayload(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.IsType(t, &session.LoginData{}, h.sess.Data)

	h.machine.Transition(h.sess, session.StateSignup)

	require.IsType(t, &session.SignupData{}, h.sess.Data)
}

func TestTransitionCarriesTaggedPayload(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.sess.Data = &session.SignupData{Username: "bob", AwaitingPassword: true}
	h.machine.Transition(h.sess, session.StateSignup)

	sd := h.sess.Data.(*session.SignupData)
	assert.Equal(t, "bob", sd.Username)
	assert.Contains(t, h.written(), "Choose a password: ")
}

func TestUnknownStateRoutesToLogin(t *testing.T) {
	h := newHarness(t)
	h.machine.Transition(h.sess, session.StateName("LIMBO"))

	assert.Equal(t, session.StateLogin, h.sess.State)
}

func TestAuthenticatedBlankLineRepaintsPrompt(t *testing.T) {
	h := newHarness(t)
	h.users.add("alice", "secret123")
	h.start(t)
	h.dispatch(t, "alice")
	h.dispatch(t, "secret123")
	h.conn.Reset()

	h.dispatch(t, "")

	assert.Empty(t, h.commands.lines)
	assert.Contains(t, h.written(), "[alice] > ")
}

func TestAuthenticatedForwardsCommands(t *testing.T) {
	h := newHarness(t)
	h.users.add("alice", "secret123")
	h.start(t)
	h.dispatch(t, "alice")
	h.dispatch(t, "secret123")

	h.dispatch(t, "say hello")
	h.dispatch(t, "who")

	assert.Equal(t, []string{"say hello", "who"}, h.commands.lines)
}
