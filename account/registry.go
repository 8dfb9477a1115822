package account

import (
	"sort"

	"github.com/addrummond/imask/config"
)

// Structs

// Registry maps POP3 usernames to their account contexts.
// It is built once at startup and read-only afterwards, so
// lookups need no locking.
type Registry struct {
	contexts map[string]*Context
}

// Functions

// NewRegistry builds one context per configured account.
func NewRegistry(conf *config.Config) *Registry {

	reg := &Registry{
		contexts: make(map[string]*Context, len(conf.Accounts)),
	}

	for id, acct := range conf.Accounts {
		reg.contexts[id] = NewContext(id, acct)
	}

	return reg
}

// Lookup resolves a POP3 username to its account context.
func (reg *Registry) Lookup(id string) (*Context, bool) {
	ctx, ok := reg.contexts[id]
	return ctx, ok
}

// All returns every context, ordered by account id so that
// startup logs and polls are deterministic.
func (reg *Registry) All() []*Context {

	all := make([]*Context, 0, len(reg.contexts))
	for _, ctx := range reg.contexts {
		all = append(all, ctx)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})

	return all
}
