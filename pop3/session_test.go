package pop3_test

import (
	"net"
	"net/textproto"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/discard"

	"github.com/addrummond/imask/account"
	"github.com/addrummond/imask/config"
	"github.com/addrummond/imask/pop3"
	"github.com/addrummond/imask/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGateway builds a registry with a single account 'alice'
// (password 'sesame') holding the supplied messages.
func testGateway(t *testing.T, msgs ...*store.Message) (*pop3.Server, *account.Context) {

	t.Helper()

	conf := &config.Config{
		ListenAddr: ":0",
		Accounts: map[string]config.Account{
			"alice": {Password: "sesame"},
		},
	}

	registry := account.NewRegistry(conf)
	ctx, _ := registry.Lookup("alice")

	s := store.NewStore()
	for i, m := range msgs {
		m.Number = i + 1
		s.Active[m.Number] = m
	}
	ctx.SwapStore(s)

	metrics := pop3.ServerMetrics{
		Sessions: discard.NewCounter(),
		Commands: discard.NewCounter(),
	}

	return pop3.NewServer(log.NewNopLogger(), metrics, registry, false), ctx
}

// dialSession connects a client to an in-process session via
// net.Pipe and consumes the greeting.
func dialSession(t *testing.T, srv *pop3.Server) *textproto.Conn {

	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	go srv.HandleConnection(serverEnd)

	client := textproto.NewConn(clientEnd)
	t.Cleanup(func() { client.Close() })

	greeting, err := client.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "+OK POP3 server ready", greeting)

	return client
}

// roundTrip sends one command and returns the first response
// line.
func roundTrip(t *testing.T, client *textproto.Conn, cmd string) string {

	t.Helper()

	require.NoError(t, client.PrintfLine("%s", cmd))

	line, err := client.ReadLine()
	require.NoError(t, err)

	return line
}

// authenticate walks a client through USER/PASS.
func authenticate(t *testing.T, client *textproto.Conn) {

	t.Helper()

	require.Equal(t, "+OK User ok", roundTrip(t, client, "USER alice"))
	require.Equal(t, "+OK Authenticated", roundTrip(t, client, "PASS sesame"))
}

// expectClosed asserts the server ended the connection.
func expectClosed(t *testing.T, client *textproto.Conn) {

	t.Helper()

	_, err := client.ReadLine()
	assert.Error(t, err, "expected connection to be closed")
}

func specMessage() *store.Message {
	return &store.Message{
		UID:     77,
		Mailbox: "INBOX",
		Headers: []store.HeaderField{
			{Name: "Subject", Values: []string{"Hi"}},
		},
		Body: []byte("Hi\n"),
	}
}

// Any command other than USER/PASS/APOP/CAPA before
// authentication completes closes the connection.
var preAuthFatalTests = []string{"STAT", "LIST", "RETR 1", "QUIT", "NOOP"}

func TestPreAuthCommandsClose(t *testing.T) {

	srv, _ := testGateway(t)

	for _, cmd := range preAuthFatalTests {

		client := dialSession(t, srv)
		assert.Equal(t, "-ERR Not authenticated", roundTrip(t, client, cmd), "wrong reply to pre-auth %q", cmd)
		expectClosed(t, client)
	}
}

func TestAuthFlow(t *testing.T) {

	srv, _ := testGateway(t)
	client := dialSession(t, srv)

	assert.Equal(t, "-ERR Not implemented", roundTrip(t, client, "APOP alice digest"))
	assert.Equal(t, "+OK Capability list follows", roundTrip(t, client, "CAPA"))
	for _, want := range []string{"TOP", "USER", "EXPIRE 1", "UIDL", "."} {
		line, err := client.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	authenticate(t, client)
	assert.Equal(t, "+OK", roundTrip(t, client, "NOOP"))
}

func TestUnknownUserCloses(t *testing.T) {

	srv, _ := testGateway(t)
	client := dialSession(t, srv)

	assert.Equal(t, "-ERR No such mailbox", roundTrip(t, client, "USER mallory"))
	expectClosed(t, client)
}

func TestWrongPasswordCloses(t *testing.T) {

	srv, _ := testGateway(t)
	client := dialSession(t, srv)

	require.Equal(t, "+OK User ok", roundTrip(t, client, "USER alice"))
	assert.Equal(t, "-ERR Not authenticated", roundTrip(t, client, "PASS opensesame"))
	expectClosed(t, client)
}

// The end-to-end example: one message, seq 1, body "Hi\n",
// header 'Subject: Hi'.
func TestStatListRetr(t *testing.T) {

	srv, ctx := testGateway(t, specMessage())
	client := dialSession(t, srv)
	authenticate(t, client)

	// STAT reports raw body bytes only.
	assert.Equal(t, "+OK 1 3", roundTrip(t, client, "STAT"))

	// LIST reports the CRLF-normalized octet size.
	assert.Equal(t, "+OK 1 messages", roundTrip(t, client, "LIST"))
	for _, want := range []string{"1 19", "."} {
		line, err := client.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	assert.Equal(t, "+OK", roundTrip(t, client, "RETR 1"))
	for _, want := range []string{"Subject: Hi", "", "Hi", "", "", "."} {
		line, err := client.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	// A NOOP round trip guarantees the session goroutine has
	// finished the RETR handler before the state is checked.
	require.Equal(t, "+OK", roundTrip(t, client, "NOOP"))

	// RETR marked the message retrieved and queued its Seen
	// flag.
	msg, ok := ctx.Message(1)
	require.True(t, ok)
	assert.True(t, msg.Retrieved)

	pending := ctx.PendingSeen()
	require.Len(t, pending, 1)
	assert.Equal(t, account.SeenEntry{Mailbox: "INBOX", UID: 77}, pending[0])
}

func TestListSingleMessage(t *testing.T) {

	srv, _ := testGateway(t, specMessage(), &store.Message{
		UID:     78,
		Mailbox: "INBOX",
		Body:    []byte("Bye\n"),
	})
	client := dialSession(t, srv)
	authenticate(t, client)

	// The header line reports the total count even for the
	// single-message form.
	assert.Equal(t, "+OK 2 messages", roundTrip(t, client, "LIST 1"))
	for _, want := range []string{"1 19", "."} {
		line, err := client.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	assert.Equal(t, "-ERR Bad message number", roundTrip(t, client, "LIST 9"))

	// A bad message number is inline, the session goes on.
	assert.Equal(t, "+OK", roundTrip(t, client, "NOOP"))
}

func TestUidl(t *testing.T) {

	srv, _ := testGateway(t, specMessage())
	client := dialSession(t, srv)
	authenticate(t, client)

	assert.Equal(t, "+OK 1 messages", roundTrip(t, client, "UIDL"))
	for _, want := range []string{"1 77", "."} {
		line, err := client.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	assert.Equal(t, "+OK 1 77", roundTrip(t, client, "UIDL 1"))
	assert.Equal(t, "-ERR Bad message number", roundTrip(t, client, "UIDL 3"))
}

// DELE followed by RSET restores the message; DELE followed
// by QUIT discards it for this cycle.
func TestDeleRsetQuit(t *testing.T) {

	srv, ctx := testGateway(t, specMessage())
	client := dialSession(t, srv)
	authenticate(t, client)

	assert.Equal(t, "+OK", roundTrip(t, client, "DELE 1"))
	assert.Equal(t, "+OK 0 0", roundTrip(t, client, "STAT"))
	assert.Equal(t, "-ERR Bad message number", roundTrip(t, client, "RETR 1"))

	assert.Equal(t, "+OK", roundTrip(t, client, "RSET"))
	assert.Equal(t, "+OK 1 3", roundTrip(t, client, "STAT"))

	assert.Equal(t, "+OK", roundTrip(t, client, "DELE 1"))
	assert.Equal(t, "+OK", roundTrip(t, client, "QUIT"))
	expectClosed(t, client)

	// The deleted message is gone and a later merge must not
	// resurrect it.
	count, _ := ctx.Stat()
	assert.Equal(t, 0, count)

	next := store.Merge(ctx.Snapshot(), nil)
	assert.Empty(t, next.Active)
}

func TestBadCommandIsFatal(t *testing.T) {

	srv, _ := testGateway(t)
	client := dialSession(t, srv)

	// Sic: the original gateway answered malformed lines
	// with a '+ERR' status.
	assert.Equal(t, "+ERR Bad command", roundTrip(t, client, "XYZZY"))
	expectClosed(t, client)
}

func TestUnknownAuthenticatedCommandCloses(t *testing.T) {

	srv, _ := testGateway(t, specMessage())
	client := dialSession(t, srv)
	authenticate(t, client)

	assert.Equal(t, "-ERR Bad command in authenticated state", roundTrip(t, client, "USER alice"))
	expectClosed(t, client)
}

// In strict mode a bare-LF line is fatal; in lenient mode it
// is accepted.
func TestStrictCRLF(t *testing.T) {

	conf := &config.Config{
		ListenAddr: ":0",
		Accounts: map[string]config.Account{
			"alice": {Password: "sesame"},
		},
	}
	registry := account.NewRegistry(conf)

	metrics := pop3.ServerMetrics{
		Sessions: discard.NewCounter(),
		Commands: discard.NewCounter(),
	}

	srv := pop3.NewServer(log.NewNopLogger(), metrics, registry, true)

	clientEnd, serverEnd := net.Pipe()
	go srv.HandleConnection(serverEnd)

	client := textproto.NewConn(clientEnd)
	defer client.Close()

	greeting, err := client.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "+OK POP3 server ready", greeting)

	// PrintfLine terminates with CRLF, so write a bare-LF
	// line by hand.
	_, err = clientEnd.Write([]byte("CAPA\n"))
	require.NoError(t, err)

	expectClosed(t, client)
}
