package engine

import (
	"encoding/hex"
	"sync"

	"github.com/roach88/bindingtester/internal/kv"
)

// Registry maps transaction names to live transactions. Names are keyed by
// their hex encoding. A name holds at most one transaction; Put replaces
// any previous one without committing or cancelling it.
//
// Thread-safety: Registry is safe for concurrent use. It is shared by every
// machine a Scheduler starts.
type Registry struct {
	mu           sync.Mutex
	transactions map[string]*kv.Transaction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transactions: make(map[string]*kv.Transaction)}
}

func registryKey(name []byte) string {
	return hex.EncodeToString(name)
}

// Get returns the transaction registered under name, or nil.
func (r *Registry) Get(name []byte) *kv.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactions[registryKey(name)]
}

// Put registers tr under name.
func (r *Registry) Put(name []byte, tr *kv.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[registryKey(name)] = tr
}

// Ensure registers the transaction returned by create under name unless one
// is already present, and returns the registered transaction.
func (r *Registry) Ensure(name []byte, create func() *kv.Transaction) *kv.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(name)
	if tr, ok := r.transactions[key]; ok {
		return tr
	}
	tr := create()
	r.transactions[key] = tr
	return tr
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}
