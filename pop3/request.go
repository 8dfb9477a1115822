package pop3

import (
	"fmt"
	"strings"
)

// Variables

// Verb constants for every POP3 command imask recognizes.
// TOP is deliberately absent: it is advertised in CAPA but
// a TOP line fails to parse, which matches the behavior
// clients of the original gateway observed.
const (
	VerbUser = "USER"
	VerbPass = "PASS"
	VerbApop = "APOP"
	VerbCapa = "CAPA"
	VerbNoop = "NOOP"
	VerbList = "LIST"
	VerbRetr = "RETR"
	VerbDele = "DELE"
	VerbUidl = "UIDL"
	VerbRset = "RSET"
	VerbQuit = "QUIT"
	VerbStat = "STAT"
)

// Structs

// Command represents the parsed content of a client command
// line. Which of the optional fields is meaningful depends
// on the verb.
type Command struct {
	Verb string

	// Word is the single argument of USER and PASS.
	Word string

	// MsgNum is the message number argument of LIST, RETR,
	// DELE and UIDL; HasMsgNum says whether one was given.
	MsgNum    int
	HasMsgNum bool
}

// ParseError reports a line the parser could not make sense
// of. The session treats any parse error as fatal.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Reason, e.Line)
}

// Functions

// ParseCommand splits a received line on its first run of
// whitespace into a verb and a remainder and parses the
// remainder according to the verb.
func ParseCommand(line string) (*Command, *ParseError) {

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, &ParseError{Line: line, Reason: "empty command"}
	}

	verb := fields[0]
	args := fields[1:]

	switch verb {

	case VerbUser, VerbPass:
		// Exactly one non-whitespace token.
		if len(args) != 1 {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("bad '%s' command", verb)}
		}
		return &Command{Verb: verb, Word: args[0]}, nil

	case VerbApop, VerbCapa, VerbNoop:
		// APOP is not implemented, so its arguments are
		// not parsed properly either.
		return &Command{Verb: verb}, nil

	case VerbList, VerbRetr, VerbDele, VerbUidl:
		num, ok := parseMsgNum(args)
		if !ok && (verb == VerbRetr || verb == VerbDele) {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("%s command requires message number", verb)}
		}
		if !ok {
			return &Command{Verb: verb}, nil
		}
		return &Command{Verb: verb, MsgNum: num, HasMsgNum: true}, nil

	case VerbRset, VerbQuit, VerbStat:
		return &Command{Verb: verb}, nil

	default:
		return nil, &ParseError{Line: line, Reason: "bad or unimplemented command"}
	}
}

// parseMsgNum accepts exactly one all-digit token. Nine
// digits keep the value well below int overflow; no store
// ever holds that many messages anyway.
func parseMsgNum(args []string) (int, bool) {

	if len(args) != 1 || args[0] == "" || len(args[0]) > 9 {
		return 0, false
	}

	num := 0
	for _, r := range args[0] {
		if r < '0' || r > '9' {
			return 0, false
		}
		num = num*10 + int(r-'0')
	}

	return num, true
}
