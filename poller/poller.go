package poller

import (
	"bufio"
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/textproto"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/addrummond/imask/account"
	"github.com/addrummond/imask/store"
)

// Variables

// ErrPollInProgress reports that a poll for the account was
// skipped because another one is still running. Callers treat
// it as "skipped", not as a failure.
var ErrPollInProgress = errors.New("poll already in progress")

// Interfaces

// Client is the slice of the IMAP client surface the poller
// consumes. *client.Client of emersion/go-imap satisfies it;
// tests substitute a scripted implementation.
type Client interface {
	Login(username string, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Close() error
}

// Structs

// Poller pulls fresh messages for one account per call. It
// owns no state beyond the dial hook; all per-account state
// lives in the account context.
type Poller struct {
	logger log.Logger

	// Dial opens the IMAP connection. Overridable in tests.
	Dial func(addr string, useTLS bool) (Client, error)
}

// Functions

// New returns a poller dialing real IMAP servers.
func New(logger log.Logger) *Poller {
	return &Poller{
		logger: logger,
		Dial:   dialIMAP,
	}
}

func dialIMAP(addr string, useTLS bool) (Client, error) {

	if useTLS {
		return client.DialTLS(addr, nil)
	}

	return client.Dial(addr)
}

// Cutoff derives the "received since" search bound from an
// account's message-age limit. The zero time means unbounded.
func Cutoff(maxAgeDays int, now time.Time) time.Time {

	if maxAgeDays <= 0 {
		return time.Time{}
	}

	return now.AddDate(0, 0, -maxAgeDays)
}

// Poll connects to the account's IMAP server, pushes the
// queued Seen flags, searches the configured mailboxes for
// unseen mail and fetches it. Any failure aborts the poll and
// leaves the account's store untouched; the previous snapshot
// stays authoritative until a poll fully succeeds.
func (p *Poller) Poll(ctx *account.Context, cutoff time.Time) ([]*store.Message, error) {

	if !ctx.BeginPoll() {
		return nil, ErrPollInProgress
	}
	defer ctx.EndPoll()

	conf := ctx.Conf

	level.Info(p.logger).Log(
		"msg", "polling the IMAP server",
		"account", ctx.ID,
		"addr", conf.IMAP.Addr(),
	)

	c, err := p.Dial(conf.IMAP.Addr(), conf.IMAP.UseTLS)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to IMAP server")
	}

	// An aborted poll must not leak its connection. Logout
	// already tears it down on the happy path, closing a
	// logged-out connection again is harmless.
	defer c.Close()

	if err := c.Login(conf.IMAP.User, conf.IMAP.Password); err != nil {
		return nil, errors.Wrap(err, "IMAP login failed")
	}

	// Mark the messages seen which were retrieved via the
	// POP3 server at some earlier point.
	if !conf.IMAP.ReadOnly {
		if err := p.flushSeen(ctx, c); err != nil {
			return nil, err
		}
	}

	// Search every configured mailbox before fetching
	// anything, so an all-quiet poll can log out early.
	found := make(map[string][]uint32, len(conf.Mailboxes))
	total := 0

	for _, mailbox := range conf.Mailboxes {

		uids, err := p.searchUnseen(c, mailbox, conf.IMAP.ReadOnly, cutoff)
		if err != nil {
			return nil, err
		}

		found[mailbox] = uids
		total += len(uids)
	}

	if total == 0 {

		if err := c.Logout(); err != nil {
			return nil, errors.Wrap(err, "IMAP logout failed")
		}

		return nil, nil
	}

	level.Info(p.logger).Log(
		"msg", "fetching messages",
		"account", ctx.ID,
		"count", total,
	)

	msgs := make([]*store.Message, 0, total)

	for _, mailbox := range conf.Mailboxes {

		if len(found[mailbox]) == 0 {
			continue
		}

		// Sequence numbers continue across mailboxes, so
		// they are unique within this poll.
		fetched, err := p.fetchMailbox(c, mailbox, conf.IMAP.ReadOnly, found[mailbox], len(msgs))
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, fetched...)
	}

	if err := c.Logout(); err != nil {
		return nil, errors.Wrap(err, "IMAP logout failed")
	}

	return msgs, nil
}

// flushSeen drains the account's Seen queue, grouped by
// mailbox. The queue is cleared only after every group was
// flagged; entries appended meanwhile stay queued.
func (p *Poller) flushSeen(ctx *account.Context, c Client) error {

	pending := ctx.PendingSeen()
	if len(pending) == 0 {
		return nil
	}

	order := make([]string, 0, 1)
	groups := make(map[string][]uint32)

	for _, e := range pending {
		if _, ok := groups[e.Mailbox]; !ok {
			order = append(order, e.Mailbox)
		}
		groups[e.Mailbox] = append(groups[e.Mailbox], e.UID)
	}

	for _, mailbox := range order {

		if _, err := c.Select(mailbox, false); err != nil {
			return errors.Wrapf(err, "failed to open mailbox '%s' read-write", mailbox)
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(groups[mailbox]...)

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return errors.Wrapf(err, "failed to flag messages seen in mailbox '%s'", mailbox)
		}
	}

	level.Info(p.logger).Log(
		"msg", "flagged retrieved messages seen",
		"account", ctx.ID,
		"count", len(pending),
	)

	ctx.DiscardSeen(len(pending))

	return nil
}

// searchUnseen opens a mailbox with the account's read-only
// policy and returns the UIDs of unseen messages, optionally
// bounded by the cutoff date.
func (p *Poller) searchUnseen(c Client, mailbox string, readOnly bool, cutoff time.Time) ([]uint32, error) {

	if _, err := c.Select(mailbox, readOnly); err != nil {
		return nil, errors.Wrapf(err, "failed to open mailbox '%s'", mailbox)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if !cutoff.IsZero() {
		criteria.Since = cutoff
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search mailbox '%s'", mailbox)
	}

	return uids, nil
}

// fetchMailbox retrieves headers and bodies as two fetch
// passes correlated by UID and assembles one message per UID
// for which both parts arrived, in search-result order.
func (p *Poller) fetchMailbox(c Client, mailbox string, readOnly bool, uids []uint32, offset int) ([]*store.Message, error) {

	if _, err := c.Select(mailbox, readOnly); err != nil {
		return nil, errors.Wrapf(err, "failed to open mailbox '%s'", mailbox)
	}

	headerSection := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}}
	textSection := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier}}

	headers, err := p.fetchSections(c, uids, headerSection)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch headers in mailbox '%s'", mailbox)
	}

	bodies, err := p.fetchSections(c, uids, textSection)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch bodies in mailbox '%s'", mailbox)
	}

	msgs := make([]*store.Message, 0, len(uids))

	for _, uid := range uids {

		rawHeader, okHeader := headers[uid]
		rawBody, okBody := bodies[uid]
		if !okHeader || !okBody {
			continue
		}

		fields, err := parseHeader(rawHeader)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse headers of message %d in mailbox '%s'", uid, mailbox)
		}

		msgs = append(msgs, &store.Message{
			UID:     uid,
			Mailbox: mailbox,
			Headers: fields,
			Body:    rawBody,
			Number:  offset + len(msgs) + 1,
		})
	}

	return msgs, nil
}

// fetchSections runs one UID fetch for a single body section
// and returns the raw bytes per UID.
func (p *Poller) fetchSections(c Client, uids []uint32, section *imap.BodySectionName) (map[uint32][]byte, error) {

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	// The channel is buffered to the full result size so the
	// fetch never blocks if this side bails out early.
	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	parts := make(map[uint32][]byte, len(uids))

	for msg := range ch {

		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}

		raw, err := io.ReadAll(literal)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read fetched body section")
		}

		parts[msg.Uid] = raw
	}

	if err := <-done; err != nil {
		return nil, err
	}

	return parts, nil
}

// parseHeader turns a raw RFC822 header block into the stored
// field list, preserving order. Values of a repeated header
// are collected onto its first occurrence.
func parseHeader(raw []byte) ([]store.HeaderField, error) {

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}

	var fields []store.HeaderField
	index := make(map[string]int)

	// Fields iterates in the original message order.
	it := hdr.Fields()
	for it.Next() {

		key := it.Key()

		if i, ok := index[key]; ok {
			fields[i].Values = append(fields[i].Values, it.Value())
			continue
		}

		index[key] = len(fields)
		fields = append(fields, store.HeaderField{
			Name:   key,
			Values: []string{it.Value()},
		})
	}

	return fields, nil
}
