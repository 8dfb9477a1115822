package pop3

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/addrummond/imask/account"
)

// Structs

type sessionState int

const (
	stateAwaitingUser sessionState = iota
	stateAwaitingPassword
	stateAuthenticated
)

// capaBanner is the fixed capability list. TOP is advertised
// here although the gateway never implemented it; preserved
// because deployed clients have coped with it for years.
const capaBanner = "+OK Capability list follows\r\nTOP\r\nUSER\r\nEXPIRE 1\r\nUIDL\r\n."

// Session is the per-connection POP3 protocol handler. It
// walks the three authentication phases and, once bound to
// an account, reads and mutates that account's store.
type Session struct {
	id       string
	logger   log.Logger
	conn     *Connection
	registry *account.Registry
	metrics  ServerMetrics
	state    sessionState
	acct     *account.Context
}

// Functions

// serve runs the session command loop to completion. The
// connection is strictly request-response: at most one
// command is in flight at any time.
func (s *Session) serve() {

	defer s.conn.Terminate()

	if !s.send("+OK POP3 server ready") {
		return
	}

	for {

		line, err := s.conn.Receive()
		if err != nil {
			if err != io.EOF {
				level.Info(s.logger).Log(
					"msg", "failed to receive command line",
					"err", err,
				)
			}
			return
		}

		cmd, perr := ParseCommand(line)
		if perr != nil {

			level.Info(s.logger).Log(
				"msg", "bad command was received",
				"err", perr,
			)

			// A malformed line is always fatal to the
			// session. The '+ERR' status is inherited from
			// the original gateway, sic.
			s.send("+ERR Bad command")
			return
		}

		s.metrics.Commands.With("command", strings.ToLower(cmd.Verb)).Add(1)

		var closed bool

		switch s.state {
		case stateAwaitingUser:
			closed = s.awaitingUser(cmd)
		case stateAwaitingPassword:
			closed = s.awaitingPassword(cmd)
		default:
			closed = s.authenticated(cmd)
		}

		if closed {
			return
		}
	}
}

// send writes one response line and reports whether the
// session can continue. A transport error aborts the session.
func (s *Session) send(text string) bool {

	if err := s.conn.Send(text); err != nil {
		level.Error(s.logger).Log(
			"msg", "encountered send error",
			"err", err,
		)
		return false
	}

	return true
}

// closeWithError answers '-ERR <reason>' and ends the session.
func (s *Session) closeWithError(reason string) bool {
	s.send("-ERR " + reason)
	return true
}

// awaitingUser handles the phase before a USER was accepted.
func (s *Session) awaitingUser(cmd *Command) bool {

	switch cmd.Verb {

	case VerbApop:
		return !s.send("-ERR Not implemented")

	case VerbCapa:
		return !s.send(capaBanner)

	case VerbUser:
		acct, ok := s.registry.Lookup(cmd.Word)
		if !ok {
			return s.closeWithError("No such mailbox")
		}

		// Bind the session to the account; its store is not
		// touched until authentication completes.
		s.acct = acct
		s.state = stateAwaitingPassword

		return !s.send("+OK User ok")

	default:
		return s.closeWithError("Not authenticated")
	}
}

// awaitingPassword handles the phase between USER and PASS.
func (s *Session) awaitingPassword(cmd *Command) bool {

	switch cmd.Verb {

	case VerbApop:
		return !s.send("-ERR Not implemented")

	case VerbCapa:
		return !s.send(capaBanner)

	case VerbPass:
		if cmd.Word != s.acct.Conf.Password {
			return s.closeWithError("Not authenticated")
		}

		s.state = stateAuthenticated

		level.Info(s.logger).Log(
			"msg", "user authenticated",
			"account", s.acct.ID,
		)

		return !s.send("+OK Authenticated")

	default:
		return s.closeWithError("Not authenticated")
	}
}

// authenticated dispatches a command against the bound
// account's message store.
func (s *Session) authenticated(cmd *Command) bool {

	switch cmd.Verb {

	case VerbNoop:
		return !s.send("+OK")

	case VerbCapa:
		return !s.send(capaBanner)

	case VerbList:
		return s.list(cmd)

	case VerbRetr:
		return s.retr(cmd)

	case VerbDele:
		if !s.acct.Delete(cmd.MsgNum) {
			return !s.send("-ERR Bad message number")
		}
		return !s.send("+OK")

	case VerbRset:
		s.acct.ResetDeleted()
		return !s.send("+OK")

	case VerbQuit:
		// Pending deletions are discarded for good. The Seen
		// flags owed upstream are flushed by the next poll,
		// not here.
		s.acct.DropDeleted()
		s.send("+OK")
		return true

	case VerbStat:
		count, size := s.acct.Stat()
		return !s.send(fmt.Sprintf("+OK %d %d", count, size))

	case VerbUidl:
		return s.uidl(cmd)

	default:
		return s.closeWithError("Bad command in authenticated state")
	}
}

// list answers LIST with octet sizes. The header line always
// reports the total active count, even when a single message
// was asked for.
func (s *Session) list(cmd *Command) bool {

	count, _ := s.acct.Stat()

	if cmd.HasMsgNum {

		msg, ok := s.acct.Message(cmd.MsgNum)
		if !ok {
			return !s.send("-ERR Bad message number")
		}

		if !s.send(fmt.Sprintf("+OK %d messages", count)) {
			return true
		}
		if !s.send(fmt.Sprintf("%d %d", msg.Number, OctetSize(msg))) {
			return true
		}

		return !s.send(".")
	}

	if !s.send(fmt.Sprintf("+OK %d messages", count)) {
		return true
	}

	for _, msg := range s.acct.Messages() {
		if !s.send(fmt.Sprintf("%d %d", msg.Number, OctetSize(msg))) {
			return true
		}
	}

	return !s.send(".")
}

// retr serves a full message: headers with their first stored
// value, a blank line, then the dot-stuffed body. Afterwards
// the message counts as retrieved and its Seen flag is queued
// for the next poll.
func (s *Session) retr(cmd *Command) bool {

	msg, ok := s.acct.Message(cmd.MsgNum)
	if !ok {
		return !s.send("-ERR Bad message number")
	}

	level.Info(s.logger).Log(
		"msg", "responding to RETR",
		"account", s.acct.ID,
		"number", cmd.MsgNum,
	)

	if !s.send("+OK") {
		return true
	}

	for _, f := range msg.Headers {

		first := ""
		if len(f.Values) > 0 {
			first = f.Values[0]
		}

		if !s.send(fmt.Sprintf("%s: %s", f.Name, first)) {
			return true
		}
	}

	if !s.send("") {
		return true
	}

	if err := WriteDotStuffed(s.conn.Conn, msg.Body); err != nil {
		level.Error(s.logger).Log(
			"msg", "encountered send error while writing message body",
			"err", err,
		)
		return true
	}

	s.acct.MarkRetrieved(msg)

	return false
}

// uidl answers UIDL with the IMAP identifiers backing the
// sequence numbers.
func (s *Session) uidl(cmd *Command) bool {

	if cmd.HasMsgNum {

		msg, ok := s.acct.Message(cmd.MsgNum)
		if !ok {
			return !s.send("-ERR Bad message number")
		}

		return !s.send(fmt.Sprintf("+OK %d %d", msg.Number, msg.UID))
	}

	msgs := s.acct.Messages()

	if !s.send(fmt.Sprintf("+OK %d messages", len(msgs))) {
		return true
	}

	for _, msg := range msgs {
		if !s.send(fmt.Sprintf("%d %d", msg.Number, msg.UID)) {
			return true
		}
	}

	return !s.send(".")
}
