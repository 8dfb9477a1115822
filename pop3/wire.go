package pop3

import (
	"bytes"
	"io"

	"github.com/addrummond/imask/store"
)

// Functions

// OctetSize approximates the byte count a full CRLF-normalized
// transfer of the message would produce, for LIST output.
//
// Each header contributes its name, the ": " separator, its
// first stored value and a CRLF; values beyond the first are
// not counted. The body contributes its raw length plus one
// byte for every bare line feed, since a real transfer would
// send CRLF there.
func OctetSize(msg *store.Message) int {

	size := 0
	for _, f := range msg.Headers {
		first := 0
		if len(f.Values) > 0 {
			first = len(f.Values[0])
		}
		size += len(f.Name) + 4 + first
	}

	// Final blank line.
	size += 2

	size += len(msg.Body)
	lastWasCR := false
	for _, b := range msg.Body {
		if b == '\n' && !lastWasCR {
			size++
		}
		lastWasCR = b == '\r'
	}

	return size
}

// WriteDotStuffed writes the body of a RETR response: any
// line beginning with '.' is prefixed with an extra '.', and
// the stream ends with the CRLF "." CRLF terminator. Body
// lines keep their bare-LF endings rather than being
// normalized to CRLF, as the original gateway wrote them.
func WriteDotStuffed(w io.Writer, body []byte) error {

	for _, line := range bytes.Split(body, []byte{'\n'}) {

		if len(line) > 0 && line[0] == '.' {
			if _, err := w.Write([]byte{'.'}); err != nil {
				return err
			}
		}

		if _, err := w.Write(line); err != nil {
			return err
		}

		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte("\r\n.\r\n"))

	return err
}
