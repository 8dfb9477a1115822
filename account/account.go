package account

import (
	"sync"
	"time"

	"github.com/addrummond/imask/config"
	"github.com/addrummond/imask/store"
)

// Structs

// SeenEntry identifies one message whose Seen flag still has
// to be pushed to the IMAP server on the next poll.
type SeenEntry struct {
	Mailbox string
	UID     uint32
}

// Context bundles the mutable runtime state of one account:
// the current message store, the queue of Seen flags owed to
// the IMAP server and the poll guard. It is shared between
// the account's poll task and all of its live POP3 sessions,
// so every access goes through its lock.
//
// DELE, RSET and QUIT from concurrent sessions on the same
// account race by design. Last write wins, there is no
// per-session isolation.
type Context struct {
	ID   string
	Conf config.Account

	lock     sync.Mutex
	store    *store.Store
	seen     []SeenEntry
	polling  bool
	lastPoll time.Time
}

// Functions

// NewContext returns a context with an empty store.
func NewContext(id string, conf config.Account) *Context {
	return &Context{
		ID:    id,
		Conf:  conf,
		store: store.NewStore(),
	}
}

// SwapStore publishes a fully-built replacement store. The
// single assignment under the lock is what guarantees that a
// session sees either the old or the new store in its
// entirety, never a mix.
func (ctx *Context) SwapStore(s *store.Store) {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	ctx.store = s
	ctx.lastPoll = time.Now()
}

// MergeAndSwap rebuilds the store from the retained unread
// messages and the freshly fetched ones and publishes the
// result. Holding the lock across the rebuild keeps sessions
// from mutating the maps the merge is reading.
func (ctx *Context) MergeAndSwap(fresh []*store.Message) *store.Store {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	ctx.store = store.Merge(ctx.store, fresh)
	ctx.lastPoll = time.Now()

	return ctx.store
}

// SaveSnapshot serializes the current store to the given
// path.
func (ctx *Context) SaveSnapshot(path string) error {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	return ctx.store.Save(path)
}

// Snapshot returns the current store for serialization.
func (ctx *Context) Snapshot() *store.Store {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	return ctx.store
}

// Message looks up an active message by sequence number.
func (ctx *Context) Message(num int) (*store.Message, bool) {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	msg, ok := ctx.store.Active[num]
	return msg, ok
}

// Messages returns the active messages ordered by sequence
// number.
func (ctx *Context) Messages() []*store.Message {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	return ctx.store.Messages()
}

// Stat reports the active message count and the sum of raw
// body byte lengths. STAT deliberately ignores headers and
// line-ending normalization, unlike the octet sizes in LIST.
func (ctx *Context) Stat() (int, int) {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	size := 0
	for _, msg := range ctx.store.Active {
		size += len(msg.Body)
	}

	return len(ctx.store.Active), size
}

// MarkRetrieved flips the retrieved flag of a served message
// and queues its Seen flag for the next poll.
func (ctx *Context) MarkRetrieved(msg *store.Message) {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	msg.Retrieved = true
	ctx.seen = append(ctx.seen, SeenEntry{Mailbox: msg.Mailbox, UID: msg.UID})
}

// Delete moves an active message onto the pending-delete set.
func (ctx *Context) Delete(num int) bool {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	msg, ok := ctx.store.Active[num]
	if !ok {
		return false
	}

	ctx.store.PendingDelete[num] = msg
	delete(ctx.store.Active, num)

	return true
}

// ResetDeleted moves every pending deletion back into the
// active set (RSET).
func (ctx *Context) ResetDeleted() {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	for num, msg := range ctx.store.PendingDelete {
		ctx.store.Active[num] = msg
		delete(ctx.store.PendingDelete, num)
	}
}

// DropDeleted discards the pending deletions for good (QUIT).
// Nothing is committed upstream here; the messages simply
// stop being served until the next merge forgets them.
func (ctx *Context) DropDeleted() {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	ctx.store.PendingDelete = make(map[int]*store.Message)
}

// PendingSeen returns a copy of the Seen queue.
func (ctx *Context) PendingSeen() []SeenEntry {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	pending := make([]SeenEntry, len(ctx.seen))
	copy(pending, ctx.seen)

	return pending
}

// DiscardSeen drops the first n queue entries after they were
// applied upstream. Entries appended by sessions while the
// poll was flagging are kept for the next round.
func (ctx *Context) DiscardSeen(n int) {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if n > len(ctx.seen) {
		n = len(ctx.seen)
	}
	ctx.seen = ctx.seen[n:]
}

// BeginPoll sets the poll-in-progress guard. It reports false
// when a poll for this account is already running.
func (ctx *Context) BeginPoll() bool {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if ctx.polling {
		return false
	}
	ctx.polling = true

	return true
}

// EndPoll clears the poll-in-progress guard.
func (ctx *Context) EndPoll() {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	ctx.polling = false
}

// LastPoll returns the time of the last published merge.
func (ctx *Context) LastPoll() time.Time {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	return ctx.lastPoll
}
