package pop3

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// Structs

// Connection carries all information specific to one observed
// POP3 connection on its way through the gateway.
type Connection struct {
	Conn   net.Conn
	Reader *bufio.Reader

	// StrictCRLF requires each command line to end in CRLF.
	// When unset, a bare LF is accepted as terminator too.
	StrictCRLF bool
}

// Functions

// NewConnection creates a new element of above connection
// struct and fills it with content from a supplied, real
// POP3 connection.
func NewConnection(c net.Conn, strictCRLF bool) *Connection {

	return &Connection{
		Conn:       c,
		Reader:     bufio.NewReader(c),
		StrictCRLF: strictCRLF,
	}
}

// Receive buffers incoming bytes until a line terminator is
// seen and returns the line without it. In strict mode a line
// ending in a bare LF is a protocol error.
func (c *Connection) Receive() (string, error) {

	text, err := c.Reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	if strings.HasSuffix(text, "\r\n") {
		return strings.TrimSuffix(text, "\r\n"), nil
	}

	if c.StrictCRLF {
		return "", fmt.Errorf("line not terminated by CRLF")
	}

	return strings.TrimSuffix(text, "\n"), nil
}

// Send takes in an answer text from the gateway as a string
// and writes it CRLF-terminated to the connection.
func (c *Connection) Send(text string) error {

	if _, err := fmt.Fprintf(c.Conn, "%s\r\n", text); err != nil {
		return fmt.Errorf("failed to write response to POP3 client: %v", err)
	}

	return nil
}

// Terminate tears down the connection to the client.
func (c *Connection) Terminate() error {

	if err := c.Conn.Close(); err != nil {
		return fmt.Errorf("failed to terminate connection: %v", err)
	}

	return nil
}
