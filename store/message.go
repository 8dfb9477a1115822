package store

// Structs

// HeaderField is one message header name together with every
// raw value observed for it, in the order the IMAP server
// returned them.
type HeaderField struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Message is an immutable snapshot of one mail taken at poll
// time. It is created by the poller, has Retrieved flipped
// once it was served via RETR and is discarded, never
// updated, by the next merge after that.
type Message struct {

	// UID is the IMAP identifier of the message. It is
	// unique within Mailbox only, not globally.
	UID     uint32 `json:"uid"`
	Mailbox string `json:"mailbox"`

	Headers []HeaderField `json:"headers"`
	Body    []byte        `json:"body"`

	Retrieved bool `json:"retrieved"`

	// Number is the POP3 sequence number assigned by the
	// merge, dense starting at 1.
	Number int `json:"number"`
}

// Functions

// FirstValue returns the first stored value of the named
// header, or the empty string if the header is absent.
func (m *Message) FirstValue(name string) string {

	for _, f := range m.Headers {
		if f.Name == name && len(f.Values) > 0 {
			return f.Values[0]
		}
	}

	return ""
}
