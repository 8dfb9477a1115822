package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Structs

// Store is one account's view of its mailbox between two
// polls: POP3 sequence number to message snapshot, plus the
// messages deleted in the current sessions. The two maps are
// always disjoint.
//
// A Store carries no lock of its own. All mutation happens
// under the owning account context's lock, and a rebuilt
// store replaces the previous one with a single pointer
// assignment so sessions never observe a half-merged state.
type Store struct {
	Active        map[int]*Message `json:"active"`
	PendingDelete map[int]*Message `json:"-"`
}

// Functions

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		Active:        make(map[int]*Message),
		PendingDelete: make(map[int]*Message),
	}
}

// Merge builds the successor of prev from the messages kept
// back and the list a poll just fetched. Messages already
// served via RETR are dropped, everything else is renumbered
// densely from 1: first the retained messages ordered
// numerically by UID, then the fresh ones in poller order.
// Pending deletions of prev are discarded wholesale.
//
// Retained messages are renumbered on copies. prev may still
// be visible to sessions that captured it before the swap, so
// its snapshots must not change under them.
func Merge(prev *Store, fresh []*Message) *Store {

	next := NewStore()

	retained := make([]*Message, 0, len(prev.Active))
	for _, msg := range prev.Active {

		if msg.Retrieved {
			continue
		}

		retained = append(retained, msg)
	}

	// UIDs are unique per mailbox only, so break ties on
	// mailbox name and previous sequence number to keep the
	// order deterministic.
	sort.Slice(retained, func(i, j int) bool {
		a, b := retained[i], retained[j]
		if a.UID != b.UID {
			return a.UID < b.UID
		}
		if a.Mailbox != b.Mailbox {
			return a.Mailbox < b.Mailbox
		}
		return a.Number < b.Number
	})

	num := 1
	for _, msg := range retained {
		clone := *msg
		clone.Number = num
		next.Active[num] = &clone
		num++
	}

	// Fresh messages are still poll-local, nobody else can
	// hold them yet.
	for _, msg := range fresh {
		msg.Number = num
		next.Active[num] = msg
		num++
	}

	return next
}

// Messages returns the active messages ordered by sequence
// number.
func (s *Store) Messages() []*Message {

	msgs := make([]*Message, 0, len(s.Active))
	for _, msg := range s.Active {
		msgs = append(msgs, msg)
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Number < msgs[j].Number
	})

	return msgs
}

// SnapshotPath derives the on-disk location of an account's
// JSON snapshot from the state directory and the account id.
func SnapshotPath(stateDir string, accountID string) string {
	return filepath.Join(stateDir, accountID+".json")
}

// Save serializes the active messages as a JSON document
// mapping sequence number to message, allowing a later
// restart to skip the initial poll.
func (s *Store) Save(path string) error {

	raw, err := json.Marshal(s.Active)
	if err != nil {
		return fmt.Errorf("failed to serialize store: %v", err)
	}

	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write store snapshot to '%s': %v", path, err)
	}

	return nil
}

// Load reads a snapshot written by Save. Pending deletions
// are never persisted, so the loaded store starts with none.
func Load(path string) (*Store, error) {

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := NewStore()
	if err := json.Unmarshal(raw, &s.Active); err != nil {
		return nil, fmt.Errorf("failed to parse store snapshot at '%s': %v", path, err)
	}

	return s, nil
}
